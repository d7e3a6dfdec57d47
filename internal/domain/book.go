package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookTop is a top-of-book snapshot. Either side may be absent.
// Corresponds to raw_book_l1 table.
type BookTop struct {
	EventTime  time.Time           // venue-reported time, UTC, millisecond precision
	Venue      Venue               // source venue
	Symbol     string              // normalized symbol
	BidPrice   decimal.NullDecimal // best bid price, invalid if absent
	BidSize    decimal.NullDecimal // best bid size, invalid if absent
	AskPrice   decimal.NullDecimal // best ask price, invalid if absent
	AskSize    decimal.NullDecimal // best ask size, invalid if absent
	Seq        int64               // venue update id, 0 if the venue has none
	ReceivedAt time.Time           // local arrival time
}

// Key returns the natural deduplication key.
func (b BookTop) Key() NaturalKey {
	return NaturalKey{Venue: b.Venue, Symbol: b.Symbol, EventTime: b.EventTime, Seq: b.Seq}
}

// HasBid reports whether the bid side carries a price.
func (b BookTop) HasBid() bool {
	return b.BidPrice.Valid
}

// HasAsk reports whether the ask side carries a price.
func (b BookTop) HasAsk() bool {
	return b.AskPrice.Valid
}

// NullDecimal wraps d as a valid nullable decimal.
func NullDecimal(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// ParseNullDecimal parses s, returning an invalid value for the empty string.
func ParseNullDecimal(s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return NullDecimal(d), nil
}
