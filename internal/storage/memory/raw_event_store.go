package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
	"github.com/davidzk3/perps-ops-control-tower/internal/idhash"
	"github.com/davidzk3/perps-ops-control-tower/internal/storage"
)

// RawEventStore is an in-memory implementation of storage.RawEventStore.
type RawEventStore struct {
	mu     sync.RWMutex
	trades map[string]domain.Trade   // keyed by idhash.TradeKey
	books  map[string]domain.BookTop // keyed by idhash.BookTopKey
}

// NewRawEventStore creates a new in-memory raw event store.
func NewRawEventStore() *RawEventStore {
	return &RawEventStore{
		trades: make(map[string]domain.Trade),
		books:  make(map[string]domain.BookTop),
	}
}

// InsertTrades appends trades, skipping existing natural keys.
func (s *RawEventStore) InsertTrades(_ context.Context, trades []domain.Trade) (int, error) {
	for _, t := range trades {
		if !t.Key().Valid() {
			return 0, storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, t := range trades {
		key := idhash.TradeKey(t)
		if _, exists := s.trades[key]; exists {
			continue
		}
		s.trades[key] = t
		inserted++
	}
	return inserted, nil
}

// InsertBookTops appends snapshots, skipping existing natural keys.
func (s *RawEventStore) InsertBookTops(_ context.Context, books []domain.BookTop) (int, error) {
	for _, b := range books {
		if !b.Key().Valid() {
			return 0, storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, b := range books {
		key := idhash.BookTopKey(b)
		if _, exists := s.books[key]; exists {
			continue
		}
		s.books[key] = b
		inserted++
	}
	return inserted, nil
}

// GetTradesByTimeRange retrieves trades with event time in [start, end].
func (s *RawEventStore) GetTradesByTimeRange(_ context.Context, start, end time.Time) ([]domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Trade
	for _, t := range s.trades {
		if inRange(t.EventTime, start, end) {
			result = append(result, t)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return lessKey(result[i].Key(), result[j].Key())
	})
	return result, nil
}

// GetBookTopsByTimeRange retrieves snapshots with event time in [start, end].
func (s *RawEventStore) GetBookTopsByTimeRange(_ context.Context, start, end time.Time) ([]domain.BookTop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.BookTop
	for _, b := range s.books {
		if inRange(b.EventTime, start, end) {
			result = append(result, b)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return lessKey(result[i].Key(), result[j].Key())
	})
	return result, nil
}

// TradeCount returns the number of stored trades.
func (s *RawEventStore) TradeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.trades)
}

// BookTopCount returns the number of stored snapshots.
func (s *RawEventStore) BookTopCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.books)
}

func inRange(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}

// lessKey orders by (ts, venue, symbol, seq).
func lessKey(a, b domain.NaturalKey) bool {
	if !a.EventTime.Equal(b.EventTime) {
		return a.EventTime.Before(b.EventTime)
	}
	if a.Venue != b.Venue {
		return a.Venue < b.Venue
	}
	if a.Symbol != b.Symbol {
		return a.Symbol < b.Symbol
	}
	return a.Seq < b.Seq
}

var _ storage.RawEventStore = (*RawEventStore)(nil)
