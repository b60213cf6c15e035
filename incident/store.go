package incident

import (
	"context"
	"sort"
	"sync"
)

// Store persists closed incidents.
type Store interface {
	// Save inserts or replaces the incident with the same ID.
	Save(ctx context.Context, inc Incident) error
	// List returns the most recent limit incidents, oldest first. A limit
	// of zero or less returns every incident.
	List(ctx context.Context, limit int) ([]Incident, error)
	// Get returns the incident with id or ErrNotFound.
	Get(ctx context.Context, id string) (Incident, error)
	Close() error
}

// MemoryStore keeps incidents in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	incidents map[string]Incident
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{incidents: make(map[string]Incident)}
}

// Save stores a copy of inc.
func (s *MemoryStore) Save(ctx context.Context, inc Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[inc.ID] = inc.clone()
	return nil
}

// List returns incidents ordered by start time.
func (s *MemoryStore) List(ctx context.Context, limit int) ([]Incident, error) {
	s.mu.RLock()
	out := make([]Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		out = append(out, inc.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Get looks up one incident.
func (s *MemoryStore) Get(ctx context.Context, id string) (Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return Incident{}, ErrNotFound
	}
	return inc.clone(), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
