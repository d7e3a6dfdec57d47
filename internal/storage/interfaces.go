package storage

import (
	"context"
	"time"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
)

// RawTradeStore provides access to raw_trades storage.
type RawTradeStore interface {
	// InsertTrades appends trades. Rows whose natural key (venue, symbol, ts, seq)
	// already exists are skipped without error. Returns the number of new rows.
	InsertTrades(ctx context.Context, trades []domain.Trade) (int, error)

	// GetTradesByTimeRange retrieves trades with event time in [start, end] (inclusive),
	// ordered by (ts, venue, symbol, seq).
	GetTradesByTimeRange(ctx context.Context, start, end time.Time) ([]domain.Trade, error)
}

// RawBookStore provides access to raw_book_l1 storage.
type RawBookStore interface {
	// InsertBookTops appends book snapshots. Existing natural keys are skipped
	// without error. Returns the number of new rows.
	InsertBookTops(ctx context.Context, books []domain.BookTop) (int, error)

	// GetBookTopsByTimeRange retrieves snapshots with event time in [start, end] (inclusive),
	// ordered by (ts, venue, symbol, seq).
	GetBookTopsByTimeRange(ctx context.Context, start, end time.Time) ([]domain.BookTop, error)
}

// RawEventStore combines both raw tables.
type RawEventStore interface {
	RawTradeStore
	RawBookStore
}

// FeatureStore provides access to features_1m storage.
// Rows are write-once.
type FeatureStore interface {
	// InsertFeature adds a closed window. Returns ErrDuplicateKey if (ts, venue, symbol) exists.
	InsertFeature(ctx context.Context, w *domain.FeatureWindow) error

	// GetFeature retrieves one window. Returns ErrNotFound if not exists.
	GetFeature(ctx context.Context, venue domain.Venue, symbol string, windowStart time.Time) (*domain.FeatureWindow, error)

	// GetFeaturesByTimeRange retrieves windows starting within [start, end] (inclusive),
	// ordered by (ts, venue, symbol).
	GetFeaturesByTimeRange(ctx context.Context, start, end time.Time) ([]*domain.FeatureWindow, error)
}

// RiskStore provides write access to risk_events and risk_scores.
type RiskStore interface {
	// InsertRiskEvent adds a risk event. Returns ErrDuplicateKey if id exists.
	InsertRiskEvent(ctx context.Context, e *domain.RiskEvent) error

	// InsertRiskScore adds a risk score. Returns ErrDuplicateKey if id exists.
	InsertRiskScore(ctx context.Context, s *domain.RiskScore) error
}
