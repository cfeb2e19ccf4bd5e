package server

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory RouteStore for tests and ephemeral setups.
type MemoryStore struct {
	mu     sync.RWMutex
	routes map[string]RouteRecord
	order  []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{routes: make(map[string]RouteRecord)}
}

func (s *MemoryStore) List(ctx context.Context) ([]RouteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]RouteRecord, 0, len(s.order))
	for _, id := range s.order {
		records = append(records, s.routes[id])
	}
	return records, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (RouteRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.routes[id]
	return rec, ok, nil
}

func (s *MemoryStore) Create(ctx context.Context, rec RouteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.routes[rec.ID]; exists {
		return ErrRouteExists
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	s.routes[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, rec RouteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.routes[rec.ID]
	if !ok {
		return ErrRouteNotFound
	}
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = time.Now().UTC()
	s.routes[rec.ID] = rec
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routes[id]; !ok {
		return ErrRouteNotFound
	}
	delete(s.routes, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

var _ RouteStore = (*MemoryStore)(nil)
