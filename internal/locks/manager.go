package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/teletherapy-platform/internal/clock"
	"github.com/wolfman30/teletherapy-platform/pkg/logging"
)

// ReasonSlotLocked is reported when another request holds the slot.
const ReasonSlotLocked = "slot temporarily locked"

// DefaultTTL bounds how long a crashed booking request can hold a slot.
const DefaultTTL = 30 * time.Second

// Result describes a lock attempt.
type Result struct {
	Acquired  bool      `json:"acquired"`
	Key       string    `json:"key"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Manager hands out booking locks keyed by provider and slot.
type Manager struct {
	store    Store
	ttl      time.Duration
	clock    clock.Clock
	logger   *logging.Logger
	newToken func() string
}

// NewManager builds a Manager. ttl <= 0 falls back to DefaultTTL.
func NewManager(store Store, ttl time.Duration, c clock.Clock, logger *logging.Logger) *Manager {
	if store == nil {
		panic("locks: store required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		store:    store,
		ttl:      ttl,
		clock:    clock.OrSystem(c),
		logger:   logger,
		newToken: func() string { return uuid.NewString() },
	}
}

// Key formats the lock key for a provider slot.
func Key(providerID string, slot time.Time) string {
	return fmt.Sprintf("booking:%s:%s", providerID, slot.UTC().Format(time.RFC3339))
}

// TTL returns the configured lock lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Acquire reserves the slot for this caller. A held slot is a normal
// rejected result, not an error.
func (m *Manager) Acquire(ctx context.Context, providerID string, slot time.Time) (Result, error) {
	key := Key(providerID, slot)
	token := m.newToken()
	ok, err := m.store.Acquire(ctx, key, token, m.ttl)
	if err != nil {
		return Result{Key: key}, err
	}
	if !ok {
		m.logger.Debug("booking lock rejected", "key", key)
		return Result{Key: key, Reason: ReasonSlotLocked}, nil
	}
	return Result{
		Acquired:  true,
		Key:       key,
		Token:     token,
		ExpiresAt: m.clock.Now().Add(m.ttl),
	}, nil
}

// Release frees the slot if token still owns it. An expired or foreign lock
// returns ErrNotHeld.
func (m *Manager) Release(ctx context.Context, providerID string, slot time.Time, token string) error {
	key := Key(providerID, slot)
	ok, err := m.store.Release(ctx, key, token)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotHeld, key)
	}
	return nil
}

// Sweep removes expired locks when the store needs it.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	sw, ok := m.store.(Sweeper)
	if !ok {
		return 0, nil
	}
	n, err := sw.Sweep(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("swept expired booking locks", "count", n)
	}
	return n, nil
}
