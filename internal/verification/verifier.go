// Package verification compares replayed feature windows with the rows the
// live aggregator persisted.
package verification

import (
	"math"
	"time"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
)

// FloatTolerance is the default tolerance for float64 comparisons.
const FloatTolerance = 1e-7

// Status is the verification outcome for one window.
type Status string

const (
	StatusMatched    Status = "matched"
	StatusMissing    Status = "missing"
	StatusMismatched Status = "mismatched"
)

// FieldDivergence represents a mismatch between stored and replayed values.
type FieldDivergence struct {
	Field    string // column name
	Expected any    // stored value
	Actual   any    // replayed value
}

// WindowResult contains the result of verifying a single window.
type WindowResult struct {
	Venue       domain.Venue
	Symbol      string
	WindowStart time.Time
	Status      Status
	Divergences []FieldDivergence
}

// Report contains results for batch verification.
type Report struct {
	Total      int
	Matched    int
	Missing    int // replayed but never persisted
	Mismatched int
	Results    []WindowResult
}

// OK reports whether every window matched.
func (r *Report) OK() bool {
	return r.Matched == r.Total
}

func (r *Report) add(res WindowResult) {
	r.Total++
	switch res.Status {
	case StatusMatched:
		r.Matched++
	case StatusMissing:
		r.Missing++
	case StatusMismatched:
		r.Mismatched++
	}
	r.Results = append(r.Results, res)
}

// CompareWindows compares two windows for the same market and minute and
// returns divergences. Float columns use tolerance.
func CompareWindows(stored, replayed *domain.FeatureWindow, tolerance float64) []FieldDivergence {
	var divergences []FieldDivergence

	if !floatPtrEquals(stored.SpreadBps, replayed.SpreadBps, tolerance) {
		divergences = append(divergences, FieldDivergence{
			Field:    "spread_bps",
			Expected: deref(stored.SpreadBps),
			Actual:   deref(replayed.SpreadBps),
		})
	}

	if !floatPtrEquals(stored.DepthBid, replayed.DepthBid, tolerance) {
		divergences = append(divergences, FieldDivergence{
			Field:    "depth_10bps_bid",
			Expected: deref(stored.DepthBid),
			Actual:   deref(replayed.DepthBid),
		})
	}

	if !floatPtrEquals(stored.DepthAsk, replayed.DepthAsk, tolerance) {
		divergences = append(divergences, FieldDivergence{
			Field:    "depth_10bps_ask",
			Expected: deref(stored.DepthAsk),
			Actual:   deref(replayed.DepthAsk),
		})
	}

	if !floatPtrEquals(stored.Imbalance, replayed.Imbalance, tolerance) {
		divergences = append(divergences, FieldDivergence{
			Field:    "imbalance",
			Expected: deref(stored.Imbalance),
			Actual:   deref(replayed.Imbalance),
		})
	}

	if stored.FreshnessMs != replayed.FreshnessMs {
		divergences = append(divergences, FieldDivergence{
			Field:    "freshness_ms",
			Expected: stored.FreshnessMs,
			Actual:   replayed.FreshnessMs,
		})
	}

	if stored.SampleCount != replayed.SampleCount {
		divergences = append(divergences, FieldDivergence{
			Field:    "sample_count",
			Expected: stored.SampleCount,
			Actual:   replayed.SampleCount,
		})
	}

	if stored.Partial != replayed.Partial {
		divergences = append(divergences, FieldDivergence{
			Field:    "partial",
			Expected: stored.Partial,
			Actual:   replayed.Partial,
		})
	}

	if stored.ClockSkew != replayed.ClockSkew {
		divergences = append(divergences, FieldDivergence{
			Field:    "clock_skew",
			Expected: stored.ClockSkew,
			Actual:   replayed.ClockSkew,
		})
	}

	return divergences
}

func floatEquals(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

// floatPtrEquals returns true if both are nil, or both are non-nil and equal.
func floatPtrEquals(a, b *float64, tolerance float64) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return floatEquals(*a, *b, tolerance)
}

// deref returns nil for a NULL column so reports print null, not an address.
func deref(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
