package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
	"github.com/davidzk3/perps-ops-control-tower/internal/storage"
)

// RiskWriter writes risk rows on behalf of a rule evaluator.
type RiskWriter struct {
	store storage.RiskStore
	now   func() time.Time
}

// NewRiskWriter creates a risk writer. now defaults to time.Now.
func NewRiskWriter(store storage.RiskStore, now func() time.Time) *RiskWriter {
	if now == nil {
		now = time.Now
	}
	return &RiskWriter{store: store, now: now}
}

// WriteEvent validates e, fills a missing id and timestamp, and stores it.
func (w *RiskWriter) WriteEvent(ctx context.Context, e domain.RiskEvent) (domain.RiskEvent, error) {
	if e.Rule == "" || !e.Venue.IsValid() {
		return e, fmt.Errorf("risk event: %w", storage.ErrInvalidInput)
	}
	switch e.Severity {
	case "":
		e.Severity = domain.SeverityInfo
	case domain.SeverityInfo, domain.SeverityWarning, domain.SeverityCritical:
	default:
		return e, fmt.Errorf("risk event severity %q: %w", e.Severity, storage.ErrInvalidInput)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.TS.IsZero() {
		e.TS = w.now().UTC()
	}
	if err := w.store.InsertRiskEvent(ctx, &e); err != nil {
		return e, fmt.Errorf("insert risk event: %w", err)
	}
	return e, nil
}

// WriteScore fills a missing id and timestamp and stores s.
func (w *RiskWriter) WriteScore(ctx context.Context, s domain.RiskScore) (domain.RiskScore, error) {
	if !s.Venue.IsValid() {
		return s, fmt.Errorf("risk score: %w", storage.ErrInvalidInput)
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.TS.IsZero() {
		s.TS = w.now().UTC()
	}
	if err := w.store.InsertRiskScore(ctx, &s); err != nil {
		return s, fmt.Errorf("insert risk score: %w", err)
	}
	return s, nil
}
