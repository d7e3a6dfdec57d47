package domain

import "strings"

// Venue identifies a trading venue in persisted rows.
type Venue string

const (
	VenueBinancePerps     Venue = "binance_perps"
	VenueHyperliquidPerps Venue = "hyperliquid_perps"
)

// String returns the string representation of Venue.
func (v Venue) String() string {
	return string(v)
}

// IsValid checks if the venue is a known value.
func (v Venue) IsValid() bool {
	return v == VenueBinancePerps || v == VenueHyperliquidPerps
}

// Side is the aggressor side of a trade.
type Side string

const (
	SideBuy     Side = "buy"
	SideSell    Side = "sell"
	SideUnknown Side = "unknown"
)

// ParseSide maps venue side spellings to a Side.
// Anything unrecognized becomes SideUnknown.
func ParseSide(s string) Side {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "b", "bid":
		return SideBuy
	case "sell", "s", "a", "ask":
		return SideSell
	default:
		return SideUnknown
	}
}

// NormalizeSymbol returns the canonical symbol spelling (lowercase, no separators).
func NormalizeSymbol(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "", "_", "", "/", "").Replace(s)
}
