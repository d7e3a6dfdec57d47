package ingestion

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davidzk3/perps-ops-control-tower/internal/logging"
)

// Runner is anything with a blocking Run loop.
type Runner interface {
	Run(ctx context.Context) error
}

// Stage is a named downstream consumer such as the sink or aggregator.
type Stage struct {
	Name   string
	Runner Runner
}

// PipelineOptions contains configuration for creating a Pipeline.
type PipelineOptions struct {
	// Supervisors produce events. They stop first on shutdown.
	Supervisors []Runner
	// Stages are stopped in order after every supervisor has returned.
	Stages []Stage
	Logger *zap.Logger
}

// Pipeline runs supervisors and stages with ordered shutdown.
type Pipeline struct {
	supervisors []Runner
	stages      []Stage
	logger      *zap.Logger
}

// NewPipeline creates a pipeline.
func NewPipeline(opts PipelineOptions) *Pipeline {
	return &Pipeline{
		supervisors: opts.Supervisors,
		stages:      opts.Stages,
		logger:      logging.OrNop(opts.Logger).With(zap.String("component", "pipeline")),
	}
}

type runningStage struct {
	name   string
	cancel context.CancelFunc
	done   chan error
}

// Run blocks until ctx is cancelled or a stage fails. Supervisors stop
// first, then each stage is cancelled and awaited in order so it can drain.
// The first stage error is returned.
func (p *Pipeline) Run(ctx context.Context) error {
	supCtx, stopSupervisors := context.WithCancel(ctx)
	defer stopSupervisors()

	// Stages outlive ctx so they can drain after the supervisors stop.
	base := context.WithoutCancel(ctx)
	running := make([]runningStage, 0, len(p.stages))
	for _, st := range p.stages {
		stageCtx, cancel := context.WithCancel(base)
		rs := runningStage{name: st.Name, cancel: cancel, done: make(chan error, 1)}
		running = append(running, rs)

		go func(st Stage) {
			err := st.Runner.Run(stageCtx)
			if err != nil {
				p.logger.Error("stage failed, stopping supervisors", zap.String("stage", st.Name), zap.Error(err))
				stopSupervisors()
			}
			rs.done <- err
		}(st)
	}

	g := new(errgroup.Group)
	for _, sup := range p.supervisors {
		g.Go(func() error { return sup.Run(supCtx) })
	}
	supErr := g.Wait()
	p.logger.Info("supervisors stopped, draining stages")

	var errs []error
	if supErr != nil {
		errs = append(errs, supErr)
	}
	for _, rs := range running {
		rs.cancel()
		if err := <-rs.done; err != nil {
			errs = append(errs, err)
		}
		p.logger.Info("stage stopped", zap.String("stage", rs.name))
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
