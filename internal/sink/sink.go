// Package sink batches canonical events into the raw tables.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
	"github.com/davidzk3/perps-ops-control-tower/internal/logging"
	"github.com/davidzk3/perps-ops-control-tower/internal/observability"
	"github.com/davidzk3/perps-ops-control-tower/internal/queue"
	"github.com/davidzk3/perps-ops-control-tower/internal/storage"
)

// Sentinel errors.
var (
	// ErrClosed is returned for writes after Run has exited.
	ErrClosed = errors.New("sink closed")
	// ErrDropped is reported to a durable writer whose event was evicted by drop-oldest.
	ErrDropped = errors.New("event dropped by overflow policy")
)

// Table names used in metrics.
const (
	tableTrades = "raw_trades"
	tableBooks  = "raw_book_l1"
)

// Event is one canonical event. Exactly one field is set.
type Event struct {
	Trade *domain.Trade
	Book  *domain.BookTop
}

// TradeEvent wraps t.
func TradeEvent(t domain.Trade) Event { return Event{Trade: &t} }

// BookEvent wraps b.
func BookEvent(b domain.BookTop) Event { return Event{Book: &b} }

// Config configures the sink.
type Config struct {
	BatchSize       int
	FlushInterval   time.Duration
	QueueSize       int
	Overflow        queue.Overflow
	Retry           storage.RetryPolicy
	ShutdownTimeout time.Duration
	Logger          *zap.Logger
	Metrics         *observability.Metrics
}

// DefaultConfig returns default sink configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:       500,
		FlushInterval:   time.Second,
		QueueSize:       10000,
		Overflow:        queue.OverflowBlock,
		Retry:           storage.DefaultRetryPolicy(),
		ShutdownTimeout: 10 * time.Second,
	}
}

type item struct {
	ev   Event
	done chan error // nil for async writes
}

// Sink is a single-writer batching event sink. Write and Enqueue are safe
// for concurrent use; Run owns the batch buffer.
type Sink struct {
	store   storage.RawEventStore
	config  Config
	logger  *zap.Logger
	metrics *observability.Metrics

	queue   *queue.Queue[item]
	dropped atomic.Int64

	errMu sync.RWMutex
	err   error
}

// New creates a sink. Zero config fields take defaults.
func New(store storage.RawEventStore, config *Config) *Sink {
	cfg := DefaultConfig()
	if config != nil {
		if config.BatchSize > 0 {
			cfg.BatchSize = config.BatchSize
		}
		if config.FlushInterval > 0 {
			cfg.FlushInterval = config.FlushInterval
		}
		if config.QueueSize > 0 {
			cfg.QueueSize = config.QueueSize
		}
		if config.ShutdownTimeout > 0 {
			cfg.ShutdownTimeout = config.ShutdownTimeout
		}
		if config.Retry != (storage.RetryPolicy{}) {
			cfg.Retry = config.Retry
		}
		cfg.Overflow = config.Overflow
		cfg.Logger = config.Logger
		cfg.Metrics = config.Metrics
	}

	s := &Sink{
		store:   store,
		config:  cfg,
		logger:  logging.OrNop(cfg.Logger).With(zap.String("component", "sink")),
		metrics: observability.OrDefault(cfg.Metrics),
	}
	s.queue = queue.New(cfg.QueueSize, cfg.Overflow, s.onDrop)
	return s
}

// Enqueue submits ev without waiting for persistence.
// Under OverflowBlock it waits for queue space; under OverflowDropOldest it never blocks.
func (s *Sink) Enqueue(ctx context.Context, ev Event) error {
	if err := s.Err(); err != nil {
		return err
	}
	if err := s.queue.Push(ctx, item{ev: ev}); err != nil {
		return s.pushError(err)
	}
	s.metrics.SinkQueueDepth.Set(float64(s.queue.Len()))
	return nil
}

// Write submits ev and returns once the batch holding it is persisted.
func (s *Sink) Write(ctx context.Context, ev Event) error {
	if err := s.Err(); err != nil {
		return err
	}

	it := item{ev: ev, done: make(chan error, 1)}
	if err := s.queue.PushWait(ctx, it); err != nil {
		return s.pushError(err)
	}

	select {
	case err := <-it.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of events evicted by the drop-oldest policy.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Err returns the fatal error once retries were exhausted.
func (s *Sink) Err() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.err
}

// Run consumes the queue until ctx is cancelled, then drains it and flushes
// under ShutdownTimeout. It returns a *storage.StorageWriteError if a flush
// exhausts its retries.
func (s *Sink) Run(ctx context.Context) error {
	defer s.release()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	// Flushes are not interrupted by shutdown; retries are bounded instead.
	flushCtx := context.WithoutCancel(ctx)
	batch := make([]item, 0, s.config.BatchSize)

	for {
		select {
		case <-ctx.Done():
			return s.shutdown(batch)

		case it := <-s.queue.C():
			batch = append(batch, it)
			if len(batch) >= s.config.BatchSize {
				if err := s.flush(flushCtx, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}

		case <-ticker.C:
			if err := s.flush(flushCtx, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
}

func (s *Sink) shutdown(batch []item) error {
	s.queue.Close()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	for {
		it, ok := s.queue.TryPop()
		if !ok {
			break
		}
		batch = append(batch, it)
		if len(batch) >= s.config.BatchSize {
			if err := s.flush(ctx, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}

	if err := s.flush(ctx, batch); err != nil {
		return err
	}
	s.logger.Info("sink drained", zap.Int64("dropped", s.Dropped()))
	return nil
}

// flush persists batch. Events without a valid natural key are dropped and
// their writers get storage.ErrInvalidInput. On a store failure every other
// waiting writer receives the error and the sink becomes failed.
func (s *Sink) flush(ctx context.Context, batch []item) error {
	s.metrics.SinkQueueDepth.Set(float64(s.queue.Len()))
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	var trades []domain.Trade
	var books []domain.BookTop
	for i, it := range batch {
		switch {
		case it.ev.Trade != nil:
			if s.reject(tableTrades, it.ev.Trade.Key()) {
				batch[i].done = notify(it.done, invalidError(tableTrades))
				continue
			}
			trades = append(trades, *it.ev.Trade)
		case it.ev.Book != nil:
			if s.reject(tableBooks, it.ev.Book.Key()) {
				batch[i].done = notify(it.done, invalidError(tableBooks))
				continue
			}
			books = append(books, *it.ev.Book)
		}
	}

	err := s.insert(ctx, tableTrades, len(trades), func(ctx context.Context) (int, error) {
		return s.store.InsertTrades(ctx, trades)
	})
	if err == nil {
		err = s.insert(ctx, tableBooks, len(books), func(ctx context.Context) (int, error) {
			return s.store.InsertBookTops(ctx, books)
		})
	}

	s.metrics.SinkFlushes.Inc()
	s.metrics.SinkFlushLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		s.fail(err)
	}
	for _, it := range batch {
		if it.done != nil {
			it.done <- err
		}
	}
	return err
}

func (s *Sink) insert(ctx context.Context, table string, n int, fn func(ctx context.Context) (int, error)) error {
	if n == 0 {
		return nil
	}

	var written int
	err := storage.Retry(ctx, "insert "+table, s.config.Retry, func(ctx context.Context) error {
		var err error
		written, err = fn(ctx)
		return err
	}, func(err error, next time.Duration) {
		s.metrics.SinkRetries.Inc()
		s.logger.Warn("write failed, retrying", zap.String("table", table), zap.Duration("next", next), zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("flush %s: %w", table, err)
	}

	s.metrics.SinkRowsWritten.WithLabelValues(table).Add(float64(written))
	if dup := n - written; dup > 0 {
		s.metrics.SinkDuplicates.WithLabelValues(table).Add(float64(dup))
	}
	return nil
}

// reject counts and logs an event that no raw table would accept.
func (s *Sink) reject(table string, key domain.NaturalKey) bool {
	if key.Valid() {
		return false
	}
	s.metrics.SinkRejected.WithLabelValues(table).Inc()
	s.logger.Warn("dropping invalid event",
		zap.String("table", table),
		zap.String("venue", key.Venue.String()),
		zap.String("symbol", key.Symbol),
		zap.Time("event_time", key.EventTime))
	return true
}

// notify answers a durable writer early and returns nil so the batch
// result is not sent twice.
func notify(done chan error, err error) chan error {
	if done != nil {
		done <- err
	}
	return nil
}

func invalidError(table string) error {
	return fmt.Errorf("%s row: %w", table, storage.ErrInvalidInput)
}

// release closes the queue and fails writers whose events were never flushed.
func (s *Sink) release() {
	s.queue.Close()

	err := s.Err()
	if err == nil {
		err = ErrClosed
	}
	for {
		it, ok := s.queue.TryPop()
		if !ok {
			return
		}
		if it.done != nil {
			it.done <- err
		}
	}
}

func (s *Sink) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()

	s.metrics.SinkFailed.Set(1)
	s.logger.Error("sink failed", zap.Error(err))
}

func (s *Sink) onDrop(it item) {
	s.dropped.Add(1)
	s.metrics.SinkDropped.Inc()
	if it.done != nil {
		it.done <- ErrDropped
	}
}

func (s *Sink) pushError(err error) error {
	if errors.Is(err, queue.ErrClosed) {
		if fatal := s.Err(); fatal != nil {
			return fatal
		}
		return ErrClosed
	}
	return err
}
