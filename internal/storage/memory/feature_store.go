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

// FeatureStore is an in-memory implementation of storage.FeatureStore.
type FeatureStore struct {
	mu   sync.RWMutex
	data map[string]*domain.FeatureWindow // keyed by (venue, symbol, window_start)
}

// NewFeatureStore creates a new in-memory feature store.
func NewFeatureStore() *FeatureStore {
	return &FeatureStore{
		data: make(map[string]*domain.FeatureWindow),
	}
}

// InsertFeature adds a closed window. Returns ErrDuplicateKey if exists.
func (s *FeatureStore) InsertFeature(_ context.Context, w *domain.FeatureWindow) error {
	if w == nil || w.Venue == "" || w.Symbol == "" || w.WindowStart.IsZero() {
		return storage.ErrInvalidInput
	}

	key := idhash.FeatureWindowKey(w.Venue, w.Symbol, w.WindowStart)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; exists {
		return storage.ErrDuplicateKey
	}

	s.data[key] = cloneWindow(w)
	return nil
}

// GetFeature retrieves one window. Returns ErrNotFound if not exists.
func (s *FeatureStore) GetFeature(_ context.Context, venue domain.Venue, symbol string, windowStart time.Time) (*domain.FeatureWindow, error) {
	key := idhash.FeatureWindowKey(venue, symbol, windowStart)

	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneWindow(w), nil
}

// GetFeaturesByTimeRange retrieves windows starting within [start, end].
func (s *FeatureStore) GetFeaturesByTimeRange(_ context.Context, start, end time.Time) ([]*domain.FeatureWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.FeatureWindow
	for _, w := range s.data {
		if inRange(w.WindowStart, start, end) {
			result = append(result, cloneWindow(w))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].WindowStart.Equal(result[j].WindowStart) {
			return result[i].WindowStart.Before(result[j].WindowStart)
		}
		if result[i].Venue != result[j].Venue {
			return result[i].Venue < result[j].Venue
		}
		return result[i].Symbol < result[j].Symbol
	})
	return result, nil
}

// Count returns the number of stored windows.
func (s *FeatureStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// cloneWindow deep-copies w so callers cannot mutate stored rows.
func cloneWindow(w *domain.FeatureWindow) *domain.FeatureWindow {
	c := *w
	c.SpreadBps = cloneFloat(w.SpreadBps)
	c.DepthBid = cloneFloat(w.DepthBid)
	c.DepthAsk = cloneFloat(w.DepthAsk)
	c.Imbalance = cloneFloat(w.Imbalance)
	return &c
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

var _ storage.FeatureStore = (*FeatureStore)(nil)
