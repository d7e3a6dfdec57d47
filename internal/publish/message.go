// Package publish persists closed feature windows and fans them out to
// downstream consumers.
package publish

import (
	"encoding/json"
	"time"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
	"github.com/davidzk3/perps-ops-control-tower/internal/idhash"
)

// WindowMessage is the wire form of a feature window.
type WindowMessage struct {
	ID          string   `json:"id"`
	TS          string   `json:"ts"`
	Venue       string   `json:"venue"`
	Symbol      string   `json:"symbol"`
	SpreadBps   *float64 `json:"spread_bps"`
	DepthBid    *float64 `json:"depth_10bps_bid"`
	DepthAsk    *float64 `json:"depth_10bps_ask"`
	Imbalance   *float64 `json:"imbalance"`
	FreshnessMs int64    `json:"freshness_ms"`
	SampleCount int64    `json:"sample_count"`
	Partial     bool     `json:"partial"`
	ClockSkew   bool     `json:"clock_skew"`
}

// NewWindowMessage converts w to its wire form.
func NewWindowMessage(w *domain.FeatureWindow) WindowMessage {
	return WindowMessage{
		ID:          idhash.ComputeFeatureWindowID(w.Venue, w.Symbol, w.WindowStart).String(),
		TS:          w.WindowStart.UTC().Format(time.RFC3339),
		Venue:       w.Venue.String(),
		Symbol:      w.Symbol,
		SpreadBps:   w.SpreadBps,
		DepthBid:    w.DepthBid,
		DepthAsk:    w.DepthAsk,
		Imbalance:   w.Imbalance,
		FreshnessMs: w.FreshnessMs,
		SampleCount: w.SampleCount,
		Partial:     w.Partial,
		ClockSkew:   w.ClockSkew,
	}
}

// Window converts m back to a feature window.
func (m WindowMessage) Window() (*domain.FeatureWindow, error) {
	start, err := time.Parse(time.RFC3339, m.TS)
	if err != nil {
		return nil, err
	}
	start = start.UTC()
	return &domain.FeatureWindow{
		WindowStart: start,
		WindowEnd:   start.Add(domain.WindowDuration),
		Venue:       domain.Venue(m.Venue),
		Symbol:      m.Symbol,
		SpreadBps:   m.SpreadBps,
		DepthBid:    m.DepthBid,
		DepthAsk:    m.DepthAsk,
		Imbalance:   m.Imbalance,
		FreshnessMs: m.FreshnessMs,
		SampleCount: m.SampleCount,
		Partial:     m.Partial,
		ClockSkew:   m.ClockSkew,
	}, nil
}

func marshalWindow(w *domain.FeatureWindow) ([]byte, error) {
	return json.Marshal(NewWindowMessage(w))
}
