package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
	"github.com/davidzk3/perps-ops-control-tower/internal/idhash"
	"github.com/davidzk3/perps-ops-control-tower/internal/storage"
)

// FeatureStore implements storage.FeatureStore using ClickHouse.
type FeatureStore struct {
	conn *Conn
}

// NewFeatureStore creates a new FeatureStore.
func NewFeatureStore(conn *Conn) *FeatureStore {
	return &FeatureStore{conn: conn}
}

// Compile-time interface check.
var _ storage.FeatureStore = (*FeatureStore)(nil)

// InsertFeature adds a closed window. Returns ErrDuplicateKey if (ts, venue, symbol) exists.
func (s *FeatureStore) InsertFeature(ctx context.Context, w *domain.FeatureWindow) error {
	if w == nil || w.Venue == "" || w.Symbol == "" || w.WindowStart.IsZero() {
		return storage.ErrInvalidInput
	}

	// MergeTree does not enforce uniqueness, so check before insert
	exists, err := s.exists(ctx, w.Venue, w.Symbol, w.WindowStart)
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists {
		return storage.ErrDuplicateKey
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO features_1m (
			id, ts, venue, symbol,
			spread_bps, depth_10bps_bid, depth_10bps_ask, imbalance,
			freshness_ms, sample_count, partial, clock_skew
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	err = batch.Append(
		idhash.ComputeFeatureWindowID(w.Venue, w.Symbol, w.WindowStart),
		w.WindowStart, string(w.Venue), w.Symbol,
		w.SpreadBps, w.DepthBid, w.DepthAsk, w.Imbalance,
		w.FreshnessMs, uint64(w.SampleCount), w.Partial, w.ClockSkew,
	)
	if err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetFeature retrieves one window. Returns ErrNotFound if not exists.
func (s *FeatureStore) GetFeature(ctx context.Context, venue domain.Venue, symbol string, windowStart time.Time) (*domain.FeatureWindow, error) {
	query := `
		SELECT ts, venue, symbol, spread_bps, depth_10bps_bid, depth_10bps_ask, imbalance,
			freshness_ms, sample_count, partial, clock_skew
		FROM features_1m FINAL
		WHERE venue = ? AND symbol = ? AND ts = ?
	`

	rows, err := s.conn.Query(ctx, query, string(venue), symbol, windowStart)
	if err != nil {
		return nil, fmt.Errorf("query feature window: %w", err)
	}
	defer rows.Close()

	windows, err := scanFeatures(rows)
	if err != nil {
		return nil, err
	}
	if len(windows) == 0 {
		return nil, storage.ErrNotFound
	}
	return windows[0], nil
}

// GetFeaturesByTimeRange retrieves windows starting within [start, end] (inclusive).
func (s *FeatureStore) GetFeaturesByTimeRange(ctx context.Context, start, end time.Time) ([]*domain.FeatureWindow, error) {
	query := `
		SELECT ts, venue, symbol, spread_bps, depth_10bps_bid, depth_10bps_ask, imbalance,
			freshness_ms, sample_count, partial, clock_skew
		FROM features_1m FINAL
		WHERE ts >= ? AND ts <= ?
		ORDER BY ts ASC, venue ASC, symbol ASC
	`

	rows, err := s.conn.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("query features by time range: %w", err)
	}
	defer rows.Close()

	return scanFeatures(rows)
}

// exists checks if a window with the given key exists.
func (s *FeatureStore) exists(ctx context.Context, venue domain.Venue, symbol string, windowStart time.Time) (bool, error) {
	query := `
		SELECT count(*) FROM features_1m
		WHERE venue = ? AND symbol = ? AND ts = ?
	`

	var count uint64
	err := s.conn.QueryRow(ctx, query, string(venue), symbol, windowStart).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// scanFeatures scans multiple rows.
func scanFeatures(rows chRows) ([]*domain.FeatureWindow, error) {
	var windows []*domain.FeatureWindow

	for rows.Next() {
		var (
			w           domain.FeatureWindow
			venue       string
			sampleCount uint64
		)
		err := rows.Scan(
			&w.WindowStart, &venue, &w.Symbol,
			&w.SpreadBps, &w.DepthBid, &w.DepthAsk, &w.Imbalance,
			&w.FreshnessMs, &sampleCount, &w.Partial, &w.ClockSkew,
		)
		if err != nil {
			return nil, fmt.Errorf("scan feature row: %w", err)
		}

		w.Venue = domain.Venue(venue)
		w.WindowStart = w.WindowStart.UTC()
		w.WindowEnd = w.WindowStart.Add(domain.WindowDuration)
		w.SampleCount = int64(sampleCount)
		windows = append(windows, &w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feature rows: %w", err)
	}

	return windows, nil
}
