package replay

import (
	"sort"
	"strings"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
)

// SortBooks orders samples by (received_at, event_time, venue, symbol, seq).
// Arrival order is what the live aggregator saw, so replay follows it.
func SortBooks(books []domain.BookTop) {
	sort.SliceStable(books, func(i, j int) bool {
		return compareBooks(books[i], books[j]) < 0
	})
}

// arrival returns when b was seen, falling back to its event time for rows
// persisted without an arrival time.
func arrival(b domain.BookTop) int64 {
	if b.ReceivedAt.IsZero() {
		return b.EventTime.UnixMilli()
	}
	return b.ReceivedAt.UnixMilli()
}

// compareBooks returns:
//   - negative if a < b
//   - zero if a == b
//   - positive if a > b
func compareBooks(a, b domain.BookTop) int {
	if c := compareInt(arrival(a), arrival(b)); c != 0 {
		return c
	}
	if c := compareInt(a.EventTime.UnixMilli(), b.EventTime.UnixMilli()); c != 0 {
		return c
	}
	if c := strings.Compare(string(a.Venue), string(b.Venue)); c != 0 {
		return c
	}
	if c := strings.Compare(a.Symbol, b.Symbol); c != 0 {
		return c
	}
	return compareInt(a.Seq, b.Seq)
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
