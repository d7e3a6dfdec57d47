package aggregator

import (
	"time"

	"github.com/tidwall/btree"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
)

// DefaultClockSkewTolerance is how far arrival may precede event time before
// a window is flagged.
const DefaultClockSkewTolerance = 250 * time.Millisecond

// DefaultGrace is how long a window stays open after its end.
const DefaultGrace = 5 * time.Second

// EngineConfig configures an Engine.
type EngineConfig struct {
	Grace              time.Duration
	ClockSkewTolerance time.Duration
}

type windowKey struct {
	venue  domain.Venue
	symbol string
	start  int64 // unix ms
}

// Market identifies one (venue, symbol) stream.
type Market struct {
	Venue  domain.Venue
	Symbol string
}

// Engine folds book samples into one-minute windows and closes them by
// watermark. It is not safe for concurrent use; the live aggregator and
// replay both drive it from a single goroutine.
type Engine struct {
	grace     time.Duration
	tolerance time.Duration

	open  map[windowKey]*accumulator
	byEnd *btree.BTreeG[*accumulator]

	// watermark is the highest now-grace seen by CloseDue, or the end of the
	// last force-closed window. Windows ending at or before it are closed.
	watermark time.Time
	late      map[Market]int64
}

// NewEngine creates an engine. Zero config fields take defaults; a negative
// grace is treated as zero.
func NewEngine(cfg EngineConfig) *Engine {
	grace := cfg.Grace
	if grace < 0 {
		grace = 0
	}
	tolerance := cfg.ClockSkewTolerance
	if tolerance <= 0 {
		tolerance = DefaultClockSkewTolerance
	}

	return &Engine{
		grace:     grace,
		tolerance: tolerance,
		open:      make(map[windowKey]*accumulator),
		byEnd:     btree.NewBTreeG(lessByEnd),
		late:      make(map[Market]int64),
	}
}

// lessByEnd orders windows by end time, then venue, then symbol.
func lessByEnd(a, b *accumulator) bool {
	if !a.end.Equal(b.end) {
		return a.end.Before(b.end)
	}
	if a.venue != b.venue {
		return a.venue < b.venue
	}
	return a.symbol < b.symbol
}

// Apply folds b into its window. It returns true, without touching any
// window, when that window has already closed.
func (e *Engine) Apply(b domain.BookTop, now time.Time) (late bool) {
	start := domain.BucketStart(b.EventTime)
	end := start.Add(domain.WindowDuration)

	if !e.watermark.IsZero() && !end.After(e.watermark) {
		e.late[Market{Venue: b.Venue, Symbol: b.Symbol}]++
		return true
	}

	key := windowKey{venue: b.Venue, symbol: b.Symbol, start: start.UnixMilli()}
	acc, ok := e.open[key]
	if !ok {
		acc = newAccumulator(b.Venue, b.Symbol, start)
		e.open[key] = acc
		e.byEnd.Set(acc)
	}
	acc.add(b, now, e.tolerance)
	return false
}

// Skewed reports whether b arrived before its event time beyond tolerance.
func (e *Engine) Skewed(b domain.BookTop, now time.Time) bool {
	return freshness(b, now) < -e.tolerance
}

// CloseDue advances the watermark to now-grace and closes every window
// ending at or before it, in end-time order.
func (e *Engine) CloseDue(now time.Time) []*domain.FeatureWindow {
	if wm := now.Add(-e.grace); wm.After(e.watermark) {
		e.watermark = wm
	}

	var closed []*domain.FeatureWindow
	for {
		acc, ok := e.byEnd.Min()
		if !ok || acc.end.After(e.watermark) {
			break
		}
		e.byEnd.PopMin()
		delete(e.open, windowKey{venue: acc.venue, symbol: acc.symbol, start: acc.start.UnixMilli()})
		closed = append(closed, acc.window(false))
	}
	return closed
}

// CloseAll force-closes every open window as partial, in end-time order.
// Later samples for those windows are treated as late.
func (e *Engine) CloseAll() []*domain.FeatureWindow {
	closed := make([]*domain.FeatureWindow, 0, e.byEnd.Len())
	for {
		acc, ok := e.byEnd.PopMin()
		if !ok {
			break
		}
		if acc.end.After(e.watermark) {
			e.watermark = acc.end
		}
		closed = append(closed, acc.window(true))
	}
	clear(e.open)
	return closed
}

// Open returns the number of open windows.
func (e *Engine) Open() int {
	return e.byEnd.Len()
}

// Watermark returns the current close watermark.
func (e *Engine) Watermark() time.Time {
	return e.watermark
}

// LateCount returns the late samples seen for a market.
func (e *Engine) LateCount(venue domain.Venue, symbol string) int64 {
	return e.late[Market{Venue: venue, Symbol: symbol}]
}
