package aggregator

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
)

var bpsFactor = decimal.NewFromInt(10000)

// mean is a running sum/count pair.
type mean struct {
	sum float64
	n   int64
}

func (m *mean) add(v float64) {
	m.sum += v
	m.n++
}

func (m mean) value() *float64 {
	if m.n == 0 {
		return nil
	}
	v := m.sum / float64(m.n)
	return &v
}

// accumulator holds the running state of one open window.
type accumulator struct {
	venue  domain.Venue
	symbol string
	start  time.Time
	end    time.Time

	spread    mean
	depthBid  mean
	depthAsk  mean
	imbalance mean

	freshnessMs int64
	samples     int64
	clockSkew   bool
}

func newAccumulator(venue domain.Venue, symbol string, start time.Time) *accumulator {
	return &accumulator{
		venue:  venue,
		symbol: symbol,
		start:  start,
		end:    start.Add(domain.WindowDuration),
	}
}

// add folds one sample into the window. skewTolerance is how far arrival may
// precede event time before the window is flagged.
func (a *accumulator) add(b domain.BookTop, now time.Time, skewTolerance time.Duration) {
	a.samples++

	if b.BidPrice.Valid && b.AskPrice.Valid {
		if spread, ok := spreadBps(b.BidPrice.Decimal, b.AskPrice.Decimal); ok {
			a.spread.add(spread)
		}
	}
	if b.BidSize.Valid {
		a.depthBid.add(b.BidSize.Decimal.InexactFloat64())
	}
	if b.AskSize.Valid {
		a.depthAsk.add(b.AskSize.Decimal.InexactFloat64())
	}
	if b.BidSize.Valid && b.AskSize.Valid {
		if imb, ok := imbalance(b.BidSize.Decimal, b.AskSize.Decimal); ok {
			a.imbalance.add(imb)
		}
	}

	fresh := freshness(b, now)
	if fresh < -skewTolerance {
		a.clockSkew = true
	}
	if ms := fresh.Milliseconds(); a.samples == 1 || ms > a.freshnessMs {
		a.freshnessMs = ms
	}
}

func (a *accumulator) window(partial bool) *domain.FeatureWindow {
	return &domain.FeatureWindow{
		WindowStart: a.start,
		WindowEnd:   a.end,
		Venue:       a.venue,
		Symbol:      a.symbol,
		SpreadBps:   a.spread.value(),
		DepthBid:    a.depthBid.value(),
		DepthAsk:    a.depthAsk.value(),
		Imbalance:   a.imbalance.value(),
		FreshnessMs: a.freshnessMs,
		SampleCount: a.samples,
		Partial:     partial,
		ClockSkew:   a.clockSkew,
	}
}

// spreadBps returns (ask-bid)/mid in basis points. Needs mid > 0.
func spreadBps(bid, ask decimal.Decimal) (float64, bool) {
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	if !mid.IsPositive() {
		return 0, false
	}
	return ask.Sub(bid).Div(mid).Mul(bpsFactor).InexactFloat64(), true
}

// imbalance returns (bid-ask)/(bid+ask). A zero denominator has no value.
func imbalance(bid, ask decimal.Decimal) (float64, bool) {
	total := bid.Add(ask)
	if !total.IsPositive() {
		return 0, false
	}
	return bid.Sub(ask).Div(total).InexactFloat64(), true
}

// freshness is arrival minus event time. Arrival falls back to now.
func freshness(b domain.BookTop, now time.Time) time.Duration {
	arrival := b.ReceivedAt
	if arrival.IsZero() {
		arrival = now
	}
	return arrival.Sub(b.EventTime)
}
