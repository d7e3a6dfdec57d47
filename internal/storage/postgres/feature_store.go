package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
	"github.com/davidzk3/perps-ops-control-tower/internal/idhash"
	"github.com/davidzk3/perps-ops-control-tower/internal/storage"
)

// FeatureStore implements storage.FeatureStore using PostgreSQL.
type FeatureStore struct {
	pool *Pool
}

// NewFeatureStore creates a new FeatureStore.
func NewFeatureStore(pool *Pool) *FeatureStore {
	return &FeatureStore{pool: pool}
}

// Compile-time interface check.
var _ storage.FeatureStore = (*FeatureStore)(nil)

const featureColumns = `ts, venue, symbol, spread_bps, depth_10bps_bid, depth_10bps_ask, imbalance,
	freshness_ms, sample_count, partial, clock_skew`

// InsertFeature adds a closed window. Returns ErrDuplicateKey if (ts, venue, symbol) exists.
func (s *FeatureStore) InsertFeature(ctx context.Context, w *domain.FeatureWindow) error {
	if w == nil || w.Venue == "" || w.Symbol == "" || w.WindowStart.IsZero() {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO features_1m (id, ` + featureColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.pool.Exec(ctx, query,
		idhash.ComputeFeatureWindowID(w.Venue, w.Symbol, w.WindowStart),
		w.WindowStart,
		string(w.Venue),
		w.Symbol,
		w.SpreadBps,
		w.DepthBid,
		w.DepthAsk,
		w.Imbalance,
		w.FreshnessMs,
		w.SampleCount,
		w.Partial,
		w.ClockSkew,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert feature window: %w", err)
	}
	return nil
}

// GetFeature retrieves one window. Returns ErrNotFound if not exists.
func (s *FeatureStore) GetFeature(ctx context.Context, venue domain.Venue, symbol string, windowStart time.Time) (*domain.FeatureWindow, error) {
	query := `
		SELECT ` + featureColumns + `
		FROM features_1m
		WHERE ts = $1 AND venue = $2 AND symbol = $3
	`

	w, err := scanFeature(s.pool.QueryRow(ctx, query, windowStart, string(venue), symbol))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get feature window: %w", err)
	}
	return w, nil
}

// GetFeaturesByTimeRange retrieves windows starting within [start, end] (inclusive).
func (s *FeatureStore) GetFeaturesByTimeRange(ctx context.Context, start, end time.Time) ([]*domain.FeatureWindow, error) {
	query := `
		SELECT ` + featureColumns + `
		FROM features_1m
		WHERE ts >= $1 AND ts <= $2
		ORDER BY ts ASC, venue ASC, symbol ASC
	`

	rows, err := s.pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("get features by time range: %w", err)
	}
	defer rows.Close()

	var windows []*domain.FeatureWindow
	for rows.Next() {
		w, err := scanFeature(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feature row: %w", err)
		}
		windows = append(windows, w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feature rows: %w", err)
	}

	return windows, nil
}

// scanFeature scans a single row into a FeatureWindow.
func scanFeature(row pgx.Row) (*domain.FeatureWindow, error) {
	var (
		w     domain.FeatureWindow
		venue string
	)

	err := row.Scan(
		&w.WindowStart,
		&venue,
		&w.Symbol,
		&w.SpreadBps,
		&w.DepthBid,
		&w.DepthAsk,
		&w.Imbalance,
		&w.FreshnessMs,
		&w.SampleCount,
		&w.Partial,
		&w.ClockSkew,
	)
	if err != nil {
		return nil, err
	}

	w.Venue = domain.Venue(venue)
	w.WindowStart = w.WindowStart.UTC()
	w.WindowEnd = w.WindowStart.Add(domain.WindowDuration)
	return &w, nil
}
