package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
	"github.com/davidzk3/perps-ops-control-tower/internal/storage"
)

// RiskStore is an in-memory implementation of storage.RiskStore.
type RiskStore struct {
	mu     sync.RWMutex
	events map[uuid.UUID]domain.RiskEvent
	scores map[uuid.UUID]domain.RiskScore
}

// NewRiskStore creates a new in-memory risk store.
func NewRiskStore() *RiskStore {
	return &RiskStore{
		events: make(map[uuid.UUID]domain.RiskEvent),
		scores: make(map[uuid.UUID]domain.RiskScore),
	}
}

// InsertRiskEvent adds a risk event. Returns ErrDuplicateKey if id exists.
func (s *RiskStore) InsertRiskEvent(_ context.Context, e *domain.RiskEvent) error {
	if e == nil || e.ID == uuid.Nil || e.Rule == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[e.ID]; exists {
		return storage.ErrDuplicateKey
	}
	s.events[e.ID] = *e
	return nil
}

// InsertRiskScore adds a risk score. Returns ErrDuplicateKey if id exists.
func (s *RiskStore) InsertRiskScore(_ context.Context, sc *domain.RiskScore) error {
	if sc == nil || sc.ID == uuid.Nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.scores[sc.ID]; exists {
		return storage.ErrDuplicateKey
	}
	s.scores[sc.ID] = *sc
	return nil
}

// Events returns a snapshot of stored risk events.
func (s *RiskStore) Events() []domain.RiskEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.RiskEvent, 0, len(s.events))
	for _, e := range s.events {
		result = append(result, e)
	}
	return result
}

// Scores returns a snapshot of stored risk scores.
func (s *RiskStore) Scores() []domain.RiskScore {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.RiskScore, 0, len(s.scores))
	for _, sc := range s.scores {
		result = append(result, sc)
	}
	return result
}

var _ storage.RiskStore = (*RiskStore)(nil)
