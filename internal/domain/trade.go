package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is a venue-agnostic executed trade.
// Corresponds to raw_trades table.
type Trade struct {
	EventTime  time.Time       // venue-reported time, UTC, millisecond precision
	Venue      Venue           // source venue
	Symbol     string          // normalized symbol, e.g. "btcusdt"
	Price      decimal.Decimal // execution price
	Size       decimal.Decimal // base quantity
	Side       Side            // aggressor side
	Seq        int64           // venue trade id, 0 if the venue has none
	ReceivedAt time.Time       // local arrival time
}

// NewTrade builds a Trade with event and arrival times normalized to UTC milliseconds.
func NewTrade(venue Venue, symbol string, eventTime time.Time, price, size decimal.Decimal, side Side, seq int64, receivedAt time.Time) Trade {
	return Trade{
		EventTime:  TruncateMillis(eventTime),
		Venue:      venue,
		Symbol:     NormalizeSymbol(symbol),
		Price:      price,
		Size:       size,
		Side:       side,
		Seq:        seq,
		ReceivedAt: TruncateMillis(receivedAt),
	}
}

// Key returns the natural deduplication key.
func (t Trade) Key() NaturalKey {
	return NaturalKey{Venue: t.Venue, Symbol: t.Symbol, EventTime: t.EventTime, Seq: t.Seq}
}

// NaturalKey identifies a raw event for idempotent persistence.
type NaturalKey struct {
	Venue     Venue
	Symbol    string
	EventTime time.Time
	Seq       int64
}

// Valid reports whether k carries the fields every raw table requires.
func (k NaturalKey) Valid() bool {
	return k.Venue != "" && k.Symbol != "" && !k.EventTime.IsZero()
}

// TruncateMillis converts t to UTC and drops sub-millisecond precision.
func TruncateMillis(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Millisecond)
}

// FromUnixMillis converts a venue millisecond timestamp to a UTC time.
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
