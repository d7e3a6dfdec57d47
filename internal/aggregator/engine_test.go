package aggregator

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
)

var minute0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func nd(s string) decimal.NullDecimal {
	if s == "" {
		return decimal.NullDecimal{}
	}
	return domain.NullDecimal(decimal.RequireFromString(s))
}

func sample(symbol string, at time.Duration, bidPx, askPx, bidSz, askSz string, latency time.Duration) domain.BookTop {
	ts := minute0.Add(at)
	return domain.BookTop{
		EventTime:  ts,
		Venue:      domain.VenueBinancePerps,
		Symbol:     symbol,
		BidPrice:   nd(bidPx),
		AskPrice:   nd(askPx),
		BidSize:    nd(bidSz),
		AskSize:    nd(askSz),
		ReceivedAt: ts.Add(latency),
	}
}

func approx(t *testing.T, name string, got *float64, want float64) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s = nil, want %v", name, want)
	}
	if math.Abs(*got-want) > 1e-9 {
		t.Errorf("%s = %.12f, want %.12f", name, *got, want)
	}
}

func TestEngine_RunningMeans(t *testing.T) {
	e := NewEngine(EngineConfig{Grace: 5 * time.Second})

	e.Apply(sample("btcusdt", 10*time.Second, "100", "101", "2", "1", 100*time.Millisecond), minute0)
	e.Apply(sample("btcusdt", 20*time.Second, "99", "102", "1", "3", 300*time.Millisecond), minute0)
	e.Apply(sample("btcusdt", 30*time.Second, "100", "100", "0", "0", 50*time.Millisecond), minute0)

	closed := e.CloseDue(minute0.Add(time.Minute + 5*time.Second))
	if len(closed) != 1 {
		t.Fatalf("closed %d windows, want 1", len(closed))
	}
	w := closed[0]

	if !w.WindowStart.Equal(minute0) || !w.WindowEnd.Equal(minute0.Add(time.Minute)) {
		t.Errorf("window = [%v, %v)", w.WindowStart, w.WindowEnd)
	}
	if w.SampleCount != 3 {
		t.Errorf("SampleCount = %d, want 3", w.SampleCount)
	}
	approx(t, "SpreadBps", w.SpreadBps, (99.50248756218905+298.50746268656715+0)/3)
	approx(t, "DepthBid", w.DepthBid, 1)
	approx(t, "DepthAsk", w.DepthAsk, 4.0/3.0)
	// The zero-zero sample contributes no imbalance value
	approx(t, "Imbalance", w.Imbalance, (1.0/3.0-0.5)/2)
	if w.FreshnessMs != 300 {
		t.Errorf("FreshnessMs = %d, want 300", w.FreshnessMs)
	}
	if w.Partial || w.ClockSkew {
		t.Errorf("unexpected flags partial=%v skew=%v", w.Partial, w.ClockSkew)
	}
}

func TestEngine_ZeroDepthHasNoImbalance(t *testing.T) {
	e := NewEngine(EngineConfig{})

	e.Apply(sample("btcusdt", time.Second, "100", "101", "0", "0", 0), minute0)
	w := e.CloseAll()[0]

	if w.Imbalance != nil {
		t.Errorf("Imbalance = %v, want nil", *w.Imbalance)
	}
	if w.SampleCount != 1 {
		t.Errorf("SampleCount = %d, want 1", w.SampleCount)
	}
	approx(t, "DepthBid", w.DepthBid, 0)
}

func TestEngine_OneSidedSamples(t *testing.T) {
	e := NewEngine(EngineConfig{})

	e.Apply(sample("btcusdt", time.Second, "100", "", "2", "", 0), minute0)
	w := e.CloseAll()[0]

	if w.SpreadBps != nil || w.DepthAsk != nil || w.Imbalance != nil {
		t.Errorf("one-sided window should have nil spread, ask depth and imbalance: %+v", w)
	}
	approx(t, "DepthBid", w.DepthBid, 2)
}

func TestEngine_GraceDelaysClose(t *testing.T) {
	e := NewEngine(EngineConfig{Grace: 5 * time.Second})
	e.Apply(sample("btcusdt", time.Second, "100", "101", "1", "1", 0), minute0)

	if got := e.CloseDue(minute0.Add(time.Minute + 4999*time.Millisecond)); len(got) != 0 {
		t.Fatalf("closed %d windows before grace elapsed", len(got))
	}
	if got := e.CloseDue(minute0.Add(time.Minute + 5*time.Second)); len(got) != 1 {
		t.Fatalf("closed %d windows at watermark, want 1", len(got))
	}
	if e.Open() != 0 {
		t.Errorf("Open = %d, want 0", e.Open())
	}
}

func TestEngine_LateSamplesNeverReopen(t *testing.T) {
	e := NewEngine(EngineConfig{Grace: 5 * time.Second})
	e.Apply(sample("btcusdt", 10*time.Second, "100", "101", "1", "1", 0), minute0)

	if got := e.CloseDue(minute0.Add(time.Minute + 5*time.Second)); len(got) != 1 {
		t.Fatalf("closed %d windows, want 1", len(got))
	}

	if !e.Apply(sample("btcusdt", 50*time.Second, "100", "101", "1", "1", 0), minute0) {
		t.Error("sample for a closed window should be late")
	}
	// A market whose window never opened is late too
	if !e.Apply(sample("ethusdt", 30*time.Second, "10", "11", "1", "1", 0), minute0) {
		t.Error("sample behind the watermark should be late")
	}
	// The next minute is still open for business
	if e.Apply(sample("btcusdt", time.Minute+time.Second, "100", "101", "1", "1", 0), minute0) {
		t.Error("sample for an open window should not be late")
	}

	if e.LateCount(domain.VenueBinancePerps, "btcusdt") != 1 || e.LateCount(domain.VenueBinancePerps, "ethusdt") != 1 {
		t.Errorf("late counts = %d, %d", e.LateCount(domain.VenueBinancePerps, "btcusdt"), e.LateCount(domain.VenueBinancePerps, "ethusdt"))
	}
	if e.Open() != 1 {
		t.Errorf("Open = %d, want 1", e.Open())
	}
	if got := e.CloseDue(minute0.Add(time.Minute + 5*time.Second)); len(got) != 0 {
		t.Errorf("re-running CloseDue emitted %d windows", len(got))
	}
}

func TestEngine_ClosesInEndOrderPerMarket(t *testing.T) {
	e := NewEngine(EngineConfig{})

	e.Apply(sample("ethusdt", 2*time.Minute+time.Second, "10", "11", "1", "1", 0), minute0)
	e.Apply(sample("btcusdt", time.Minute+time.Second, "100", "101", "1", "1", 0), minute0)
	e.Apply(sample("ethusdt", time.Second, "10", "11", "1", "1", 0), minute0)
	e.Apply(sample("btcusdt", 2*time.Second, "100", "102", "1", "1", 0), minute0)

	closed := e.CloseDue(minute0.Add(3 * time.Minute))
	if len(closed) != 4 {
		t.Fatalf("closed %d windows, want 4", len(closed))
	}

	want := []struct {
		symbol string
		start  time.Duration
	}{
		{"btcusdt", 0},
		{"ethusdt", 0},
		{"btcusdt", time.Minute},
		{"ethusdt", 2 * time.Minute},
	}
	for i, w := range want {
		if closed[i].Symbol != w.symbol || !closed[i].WindowStart.Equal(minute0.Add(w.start)) {
			t.Errorf("closed[%d] = %s@%v, want %s@%v", i, closed[i].Symbol, closed[i].WindowStart, w.symbol, minute0.Add(w.start))
		}
		if closed[i].SampleCount != 1 {
			t.Errorf("closed[%d] mixes markets: %d samples", i, closed[i].SampleCount)
		}
	}
}

func TestEngine_CloseAllMarksPartial(t *testing.T) {
	e := NewEngine(EngineConfig{Grace: 5 * time.Second})
	e.Apply(sample("btcusdt", 10*time.Second, "100", "101", "1", "1", 0), minute0)
	e.Apply(sample("ethusdt", 70*time.Second, "10", "11", "1", "1", 0), minute0)

	closed := e.CloseAll()
	if len(closed) != 2 {
		t.Fatalf("closed %d windows, want 2", len(closed))
	}
	for _, w := range closed {
		if !w.Partial {
			t.Errorf("%s window should be partial", w.Symbol)
		}
	}
	if e.Open() != 0 {
		t.Errorf("Open = %d, want 0", e.Open())
	}
	if !e.Apply(sample("ethusdt", 80*time.Second, "10", "11", "1", "1", 0), minute0) {
		t.Error("sample for a force-closed window should be late")
	}
}

func TestEngine_ClockSkewFlag(t *testing.T) {
	e := NewEngine(EngineConfig{ClockSkewTolerance: 250 * time.Millisecond})

	e.Apply(sample("btcusdt", time.Second, "100", "101", "1", "1", -200*time.Millisecond), minute0)
	e.Apply(sample("ethusdt", time.Second, "10", "11", "1", "1", -300*time.Millisecond), minute0)

	if !e.Skewed(sample("ethusdt", time.Second, "10", "11", "1", "1", -300*time.Millisecond), minute0) {
		t.Error("Skewed should report -300ms as beyond tolerance")
	}

	for _, w := range e.CloseAll() {
		switch w.Symbol {
		case "btcusdt":
			if w.ClockSkew {
				t.Error("-200ms is within tolerance")
			}
			if w.FreshnessMs != -200 {
				t.Errorf("FreshnessMs = %d, want -200", w.FreshnessMs)
			}
		case "ethusdt":
			if !w.ClockSkew {
				t.Error("-300ms should set ClockSkew")
			}
		}
	}
}

func TestEngine_MissingArrivalUsesNow(t *testing.T) {
	e := NewEngine(EngineConfig{})
	b := sample("btcusdt", time.Second, "100", "101", "1", "1", 0)
	b.ReceivedAt = time.Time{}

	e.Apply(b, minute0.Add(1500*time.Millisecond))
	if w := e.CloseAll()[0]; w.FreshnessMs != 500 {
		t.Errorf("FreshnessMs = %d, want 500", w.FreshnessMs)
	}
}
