// Package replay rebuilds feature windows from persisted book samples.
package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/davidzk3/perps-ops-control-tower/internal/aggregator"
	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
	"github.com/davidzk3/perps-ops-control-tower/internal/storage"
)

// Config configures a Runner.
type Config struct {
	Grace              time.Duration
	ClockSkewTolerance time.Duration
	// Observer, if set, sees every sample in replay order.
	Observer Observer
}

// Result is the outcome of one replay.
type Result struct {
	Windows []*domain.FeatureWindow // in close order
	Samples int
	Late    int
}

// Runner loads raw_book_l1 rows and replays them through a fresh window
// engine, using each row's arrival time as the clock.
type Runner struct {
	store  storage.RawBookStore
	config Config
}

// NewRunner creates a replay runner. A nil config uses the live defaults.
func NewRunner(store storage.RawBookStore, config *Config) *Runner {
	cfg := Config{
		Grace:              aggregator.DefaultGrace,
		ClockSkewTolerance: aggregator.DefaultClockSkewTolerance,
	}
	if config != nil {
		cfg = *config
	}
	return &Runner{store: store, config: cfg}
}

// Run replays samples with event time in [from, to). Windows still open at
// the end are closed at to+grace; anything left after that is partial. A
// window starting before from lost its earlier samples and is partial too.
func (r *Runner) Run(ctx context.Context, from, to time.Time) (*Result, error) {
	if !to.After(from) {
		return nil, ErrInvalidRange
	}

	books, err := r.store.GetBookTopsByTimeRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load raw_book_l1: %w", err)
	}

	// The store range is inclusive.
	kept := books[:0]
	for _, b := range books {
		if b.EventTime.Before(to) {
			kept = append(kept, b)
		}
	}
	books = kept
	SortBooks(books)

	engine := aggregator.NewEngine(aggregator.EngineConfig{
		Grace:              r.config.Grace,
		ClockSkewTolerance: r.config.ClockSkewTolerance,
	})

	res := &Result{}
	for _, b := range books {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := time.UnixMilli(arrival(b)).UTC()
		res.Windows = append(res.Windows, engine.CloseDue(now)...)

		late := engine.Apply(b, now)
		res.Samples++
		if late {
			res.Late++
		}

		if r.config.Observer != nil {
			if err := r.config.Observer.OnSample(ctx, b, late); err != nil {
				return nil, err
			}
		}
	}

	res.Windows = append(res.Windows, engine.CloseDue(to.Add(r.config.Grace))...)
	res.Windows = append(res.Windows, engine.CloseAll()...)
	for _, w := range res.Windows {
		if w.WindowStart.Before(from) {
			w.Partial = true
		}
	}
	return res, nil
}
