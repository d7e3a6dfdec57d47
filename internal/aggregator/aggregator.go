// Package aggregator derives one-minute market-health windows from
// top-of-book samples.
package aggregator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
	"github.com/davidzk3/perps-ops-control-tower/internal/logging"
	"github.com/davidzk3/perps-ops-control-tower/internal/observability"
	"github.com/davidzk3/perps-ops-control-tower/internal/queue"
)

// WindowEmitter receives closed windows. An error is fatal for the aggregator.
type WindowEmitter interface {
	Emit(ctx context.Context, w *domain.FeatureWindow) error
}

// EmitterFunc adapts a function to WindowEmitter.
type EmitterFunc func(ctx context.Context, w *domain.FeatureWindow) error

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, w *domain.FeatureWindow) error {
	return f(ctx, w)
}

// Config configures the aggregator.
type Config struct {
	Grace              time.Duration
	TickInterval       time.Duration
	ClockSkewTolerance time.Duration
	QueueSize          int
	Overflow           queue.Overflow
	ShutdownTimeout    time.Duration
	// Now defaults to time.Now.
	Now     func() time.Time
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// DefaultConfig returns default aggregator configuration.
func DefaultConfig() Config {
	return Config{
		Grace:              DefaultGrace,
		TickInterval:       time.Second,
		ClockSkewTolerance: DefaultClockSkewTolerance,
		QueueSize:          10000,
		Overflow:           queue.OverflowBlock,
		ShutdownTimeout:    10 * time.Second,
		Now:                time.Now,
	}
}

// Aggregator is the live window service. Ingest is safe for concurrent use;
// Run is the single consumer that owns the engine.
type Aggregator struct {
	engine  *Engine
	emitter WindowEmitter
	config  Config
	logger  *zap.Logger
	metrics *observability.Metrics
	queue   *queue.Queue[domain.BookTop]

	lateMu sync.RWMutex
	late   map[Market]int64
}

// New creates an aggregator. A nil config uses DefaultConfig; a zero Grace
// in a non-nil config means no grace.
func New(emitter WindowEmitter, config *Config) *Aggregator {
	cfg := DefaultConfig()
	if config != nil {
		cfg.Grace = config.Grace
		if config.TickInterval > 0 {
			cfg.TickInterval = config.TickInterval
		}
		if config.ClockSkewTolerance > 0 {
			cfg.ClockSkewTolerance = config.ClockSkewTolerance
		}
		if config.QueueSize > 0 {
			cfg.QueueSize = config.QueueSize
		}
		if config.ShutdownTimeout > 0 {
			cfg.ShutdownTimeout = config.ShutdownTimeout
		}
		if config.Now != nil {
			cfg.Now = config.Now
		}
		cfg.Overflow = config.Overflow
		cfg.Logger = config.Logger
		cfg.Metrics = config.Metrics
	}

	a := &Aggregator{
		engine:  NewEngine(EngineConfig{Grace: cfg.Grace, ClockSkewTolerance: cfg.ClockSkewTolerance}),
		emitter: emitter,
		config:  cfg,
		logger:  logging.OrNop(cfg.Logger).With(zap.String("component", "aggregator")),
		metrics: observability.OrDefault(cfg.Metrics),
		late:    make(map[Market]int64),
	}
	a.queue = queue.New(cfg.QueueSize, cfg.Overflow, func(domain.BookTop) {
		a.metrics.AggregatorDropped.Inc()
	})
	return a
}

// Ingest queues a sample according to the overflow policy.
func (a *Aggregator) Ingest(ctx context.Context, b domain.BookTop) error {
	if err := a.queue.Push(ctx, b); err != nil {
		return fmt.Errorf("aggregator ingest: %w", err)
	}
	return nil
}

// LateCount returns the number of late samples for a market.
func (a *Aggregator) LateCount(venue domain.Venue, symbol string) int64 {
	a.lateMu.RLock()
	defer a.lateMu.RUnlock()
	return a.late[Market{Venue: venue, Symbol: symbol}]
}

// Run consumes samples and closes windows on every tick until ctx is done.
// On shutdown it drains the queue and force-closes all windows as partial.
func (a *Aggregator) Run(ctx context.Context) error {
	defer a.queue.Close()

	ticker := time.NewTicker(a.config.TickInterval)
	defer ticker.Stop()

	emitCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return a.shutdown()

		case b := <-a.queue.C():
			a.apply(b)

		case <-ticker.C:
			a.metrics.AggregatorQueue.Set(float64(a.queue.Len()))
			if err := a.emit(emitCtx, a.engine.CloseDue(a.config.Now())); err != nil {
				return err
			}
		}
	}
}

func (a *Aggregator) apply(b domain.BookTop) {
	now := a.config.Now()
	if a.engine.Skewed(b, now) {
		a.metrics.ClockSkewSamples.WithLabelValues(b.Venue.String()).Inc()
	}
	if a.engine.Apply(b, now) {
		a.lateMu.Lock()
		a.late[Market{Venue: b.Venue, Symbol: b.Symbol}]++
		a.lateMu.Unlock()
		a.metrics.LateEvents.WithLabelValues(b.Venue.String(), b.Symbol).Inc()
	}
	a.metrics.OpenWindows.Set(float64(a.engine.Open()))
}

func (a *Aggregator) shutdown() error {
	a.queue.Close()

	ctx, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
	defer cancel()

	for {
		b, ok := a.queue.TryPop()
		if !ok {
			break
		}
		a.apply(b)
	}

	if err := a.emit(ctx, a.engine.CloseDue(a.config.Now())); err != nil {
		return err
	}
	partial := a.engine.CloseAll()
	if err := a.emit(ctx, partial); err != nil {
		return err
	}

	a.logger.Info("aggregator stopped", zap.Int("partial_windows", len(partial)))
	return nil
}

func (a *Aggregator) emit(ctx context.Context, windows []*domain.FeatureWindow) error {
	defer a.metrics.OpenWindows.Set(float64(a.engine.Open()))

	for _, w := range windows {
		if err := a.emitter.Emit(ctx, w); err != nil {
			a.logger.Error("emit window failed",
				zap.String("venue", w.Venue.String()),
				zap.String("symbol", w.Symbol),
				zap.Time("window_start", w.WindowStart),
				zap.Error(err))
			return fmt.Errorf("emit window %s %s %s: %w", w.Venue, w.Symbol, w.WindowStart.Format(time.RFC3339), err)
		}
		a.metrics.WindowsClosed.WithLabelValues(w.Venue.String(), strconv.FormatBool(w.Partial)).Inc()
		a.logger.Debug("window closed",
			zap.String("venue", w.Venue.String()),
			zap.String("symbol", w.Symbol),
			zap.Time("window_start", w.WindowStart),
			zap.Int64("samples", w.SampleCount),
			zap.Bool("partial", w.Partial))
	}
	return nil
}
