package locks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wolfman30/teletherapy-platform/internal/clock"
)

// ErrNotHeld is returned when releasing a lock owned by someone else or
// already expired.
var ErrNotHeld = errors.New("locks: lock not held")

// Store performs atomic acquire and owner-checked release.
type Store interface {
	// Acquire sets key to owner for ttl unless an unexpired entry exists.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release removes key only when it is still held by owner.
	Release(ctx context.Context, key, owner string) (bool, error)
}

// Sweeper is implemented by stores that need explicit cleanup of expired
// entries. Expiry is always enforced at acquisition; sweeping only frees
// memory.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type entry struct {
	owner     string
	expiresAt time.Time
}

// MemoryStore keeps locks in process. Suitable for a single API instance and
// for tests.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]entry
}

// NewMemoryStore creates an empty store. A nil clock uses the system clock.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	return &MemoryStore{
		clock:   clock.OrSystem(c),
		entries: make(map[string]entry),
	}
}

func (m *MemoryStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	m.entries[key] = entry{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *MemoryStore) Release(ctx context.Context, key, owner string) (bool, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.owner != owner {
		return false, nil
	}
	delete(m.entries, key)
	return now.Before(e.expiresAt), nil
}

// Sweep drops expired entries and returns how many were removed.
func (m *MemoryStore) Sweep(ctx context.Context) (int, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of entries, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
