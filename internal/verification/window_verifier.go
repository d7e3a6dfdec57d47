package verification

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
	"github.com/davidzk3/perps-ops-control-tower/internal/storage"
)

// Verifier checks replayed windows against features_1m.
type Verifier struct {
	store     storage.FeatureStore
	tolerance float64
}

// VerifierOptions contains configuration for creating a Verifier.
type VerifierOptions struct {
	Store     storage.FeatureStore
	Tolerance float64 // defaults to FloatTolerance
}

// NewVerifier creates a new Verifier.
func NewVerifier(opts VerifierOptions) *Verifier {
	tolerance := opts.Tolerance
	if tolerance <= 0 {
		tolerance = FloatTolerance
	}
	return &Verifier{store: opts.Store, tolerance: tolerance}
}

// Verify looks up every replayed window and compares it with the stored row.
func (v *Verifier) Verify(ctx context.Context, windows []*domain.FeatureWindow) (*Report, error) {
	report := &Report{Results: make([]WindowResult, 0, len(windows))}

	for _, w := range windows {
		res := WindowResult{
			Venue:       w.Venue,
			Symbol:      w.Symbol,
			WindowStart: w.WindowStart,
		}

		stored, err := v.store.GetFeature(ctx, w.Venue, w.Symbol, w.WindowStart)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			res.Status = StatusMissing
		case err != nil:
			return nil, fmt.Errorf("load feature %s %s %s: %w", w.Venue, w.Symbol, w.WindowStart, err)
		default:
			res.Divergences = CompareWindows(stored, w, v.tolerance)
			res.Status = StatusMatched
			if len(res.Divergences) > 0 {
				res.Status = StatusMismatched
			}
		}

		report.add(res)
	}

	return report, nil
}
