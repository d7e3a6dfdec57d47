package postgres

import (
	"context"
	"fmt"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
	"github.com/davidzk3/perps-ops-control-tower/internal/storage"
)

// RiskStore implements storage.RiskStore using PostgreSQL.
type RiskStore struct {
	pool *Pool
}

// NewRiskStore creates a new RiskStore.
func NewRiskStore(pool *Pool) *RiskStore {
	return &RiskStore{pool: pool}
}

// Compile-time interface check.
var _ storage.RiskStore = (*RiskStore)(nil)

// InsertRiskEvent adds a risk event. Returns ErrDuplicateKey if id exists.
func (s *RiskStore) InsertRiskEvent(ctx context.Context, e *domain.RiskEvent) error {
	if e == nil || e.Rule == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO risk_events (id, ts, venue, symbol, rule, value, threshold, severity, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	ctxJSON := e.Context
	if ctxJSON == nil {
		ctxJSON = map[string]any{}
	}

	_, err := s.pool.Exec(ctx, query,
		e.ID,
		e.TS,
		string(e.Venue),
		e.Symbol,
		e.Rule,
		e.Value,
		e.Threshold,
		e.Severity,
		ctxJSON,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert risk event: %w", err)
	}
	return nil
}

// InsertRiskScore adds a risk score. Returns ErrDuplicateKey if id exists.
func (s *RiskStore) InsertRiskScore(ctx context.Context, sc *domain.RiskScore) error {
	if sc == nil {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO risk_scores (id, ts, venue, symbol, liq_score, vol_score, infra_score, composite)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.pool.Exec(ctx, query,
		sc.ID,
		sc.TS,
		string(sc.Venue),
		sc.Symbol,
		sc.LiqScore,
		sc.VolScore,
		sc.InfraScore,
		sc.Composite,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert risk score: %w", err)
	}
	return nil
}
