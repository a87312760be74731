package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/teletherapy-platform/internal/flow"
)

var (
	// ErrNotFound is returned when no session has the requested id.
	ErrNotFound = errors.New("sessions: not found")

	// ErrConflict is returned by Save when the stored session changed since
	// it was read. Callers reload and decide again.
	ErrConflict = errors.New("sessions: concurrent modification")

	// ErrUnavailable marks connectivity failures of the backing store. Callers
	// retry and queue on it; every other error fails fast.
	ErrUnavailable = errors.New("sessions: store unavailable")
)

// Store persists sessions. Implementations must wrap connectivity failures
// with ErrUnavailable.
//
// Save is a compare-and-swap on Version: it succeeds only when s.Version
// equals the stored version (zero for a session not stored yet), and then
// increments s.Version. Otherwise it returns ErrConflict and leaves s alone.
type Store interface {
	FindByID(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Find(ctx context.Context, q Query) ([]*Session, error)
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Query filters sessions. Zero fields do not filter.
type Query struct {
	ProviderID      string
	ClientID        string
	ParticipantID   string // matches client or provider
	Statuses        []flow.State
	ExcludeStatuses []flow.State
	StartsBefore    time.Time
	EndsAfter       time.Time
	Limit           int
}

// Matches reports whether s satisfies the query. Stores without native
// filtering use it directly.
func (q Query) Matches(s *Session) bool {
	if q.ProviderID != "" && s.ProviderID != q.ProviderID {
		return false
	}
	if q.ClientID != "" && s.ClientID != q.ClientID {
		return false
	}
	if q.ParticipantID != "" && s.ClientID != q.ParticipantID && s.ProviderID != q.ParticipantID {
		return false
	}
	if len(q.Statuses) > 0 && !hasState(q.Statuses, s.Status) {
		return false
	}
	if hasState(q.ExcludeStatuses, s.Status) {
		return false
	}
	if !q.StartsBefore.IsZero() && !s.ScheduledAt.Before(q.StartsBefore) {
		return false
	}
	if !q.EndsAfter.IsZero() && !s.EndsAt().After(q.EndsAfter) {
		return false
	}
	return true
}

func hasState(states []flow.State, s flow.State) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsConflict reports whether err is a lost write race.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsUnavailable reports whether err is a connectivity failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("sessions: %s: %w: %w", op, ErrUnavailable, err)
}
