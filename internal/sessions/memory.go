package sessions

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// InMemoryStore is a Store backed by a map. It returns copies so callers can
// never mutate stored state without calling Save.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*Session),
	}
}

// FindByID retrieves a session by ID
func (r *InMemoryStore) FindByID(ctx context.Context, id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// Save inserts or replaces a session when s.Version matches the stored one.
func (r *InMemoryStore) Save(ctx context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var current int64
	if existing, ok := r.sessions[s.ID]; ok {
		current = existing.Version
	}
	if s.Version != current {
		return fmt.Errorf("sessions: save %s at version %d, stored %d: %w", s.ID, s.Version, current, ErrConflict)
	}
	stored := s.Clone()
	stored.Version = current + 1
	r.sessions[s.ID] = stored
	s.Version = stored.Version
	return nil
}

// Find returns matching sessions ordered by scheduled start.
func (r *InMemoryStore) Find(ctx context.Context, q Query) ([]*Session, error) {
	r.mu.RLock()
	out := make([]*Session, 0)
	for _, s := range r.sessions {
		if q.Matches(s) {
			out = append(out, s.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Ping always succeeds.
func (r *InMemoryStore) Ping(ctx context.Context) error { return nil }
