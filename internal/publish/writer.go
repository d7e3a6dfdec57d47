package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/davidzk3/perps-ops-control-tower/internal/aggregator"
	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
	"github.com/davidzk3/perps-ops-control-tower/internal/logging"
	"github.com/davidzk3/perps-ops-control-tower/internal/observability"
	"github.com/davidzk3/perps-ops-control-tower/internal/storage"
)

// Publisher delivers closed windows to a downstream consumer.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, w *domain.FeatureWindow) error
	Close() error
}

// WriterConfig configures a FeatureWriter.
type WriterConfig struct {
	Retry      storage.RetryPolicy
	Publishers []Publisher
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// FeatureWriter persists windows to features_1m and then publishes them.
// Persistence failures are returned; publish failures are logged and counted.
type FeatureWriter struct {
	store      storage.FeatureStore
	retry      storage.RetryPolicy
	publishers []Publisher
	logger     *zap.Logger
	metrics    *observability.Metrics
}

var _ aggregator.WindowEmitter = (*FeatureWriter)(nil)

// NewFeatureWriter creates a feature writer.
func NewFeatureWriter(store storage.FeatureStore, config WriterConfig) *FeatureWriter {
	if config.Retry == (storage.RetryPolicy{}) {
		config.Retry = storage.DefaultRetryPolicy()
	}
	return &FeatureWriter{
		store:      store,
		retry:      config.Retry,
		publishers: config.Publishers,
		logger:     logging.OrNop(config.Logger).With(zap.String("component", "feature_writer")),
		metrics:    observability.OrDefault(config.Metrics),
	}
}

// Emit writes w. A window that already exists is treated as written and is
// not published again.
func (f *FeatureWriter) Emit(ctx context.Context, w *domain.FeatureWindow) error {
	err := storage.Retry(ctx, "insert features_1m", f.retry, func(ctx context.Context) error {
		return f.store.InsertFeature(ctx, w)
	}, func(err error, next time.Duration) {
		f.logger.Warn("feature insert failed, retrying", zap.Error(err), zap.Duration("next", next))
	})
	if errors.Is(err, storage.ErrDuplicateKey) {
		f.logger.Debug("feature window already stored",
			zap.String("venue", w.Venue.String()),
			zap.String("symbol", w.Symbol),
			zap.Time("window_start", w.WindowStart))
		return nil
	}
	if err != nil {
		return fmt.Errorf("write feature window: %w", err)
	}

	for _, p := range f.publishers {
		if err := p.Publish(ctx, w); err != nil {
			f.metrics.PublishErrors.WithLabelValues(p.Name()).Inc()
			f.logger.Warn("publish failed",
				zap.String("target", p.Name()),
				zap.String("venue", w.Venue.String()),
				zap.String("symbol", w.Symbol),
				zap.Error(err))
		}
	}
	return nil
}

// Close closes every publisher.
func (f *FeatureWriter) Close() error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
