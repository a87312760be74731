package edgecases

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/teletherapy-platform/internal/flow"
	"github.com/wolfman30/teletherapy-platform/internal/locks"
	"github.com/wolfman30/teletherapy-platform/internal/sessions"
)

// Slot is a half-open [Start, End) window.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ConflictDecision reports whether a provider window is free.
type ConflictDecision struct {
	Available    bool     `json:"available"`
	Conflicts    []string `json:"conflicts,omitempty"`
	Alternatives []Slot   `json:"alternatives,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// cancelledStates never block a slot.
func cancelledStates() []flow.State {
	var out []flow.State
	for _, s := range flow.States(flow.EntitySession) {
		if flow.IsCancelled(s) {
			out = append(out, s)
		}
	}
	return out
}

// FindConflicts returns ids of sessions truly overlapping [start, end).
func FindConflicts(existing []*sessions.Session, start, end time.Time, excludeID string) []string {
	var ids []string
	for _, s := range existing {
		if s.ID == excludeID || flow.IsCancelled(s.Status) {
			continue
		}
		if s.Overlaps(start, end) {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// ProposeAlternatives scans hour-aligned starts after the requested one,
// inside business hours, for up to days, returning at most n free slots.
func ProposeAlternatives(existing []*sessions.Session, requested time.Time, duration time.Duration, excludeID string, cfg Config) []Slot {
	cfg = cfg.withDefaults()
	out := make([]Slot, 0, cfg.AlternativeSlots)
	limit := requested.AddDate(0, 0, cfg.AlternativeSearchDays)
	for candidate := requested.Truncate(time.Hour).Add(time.Hour); candidate.Before(limit); candidate = candidate.Add(time.Hour) {
		end := candidate.Add(duration)
		if !withinBusinessHours(candidate, end, cfg) {
			continue
		}
		if len(FindConflicts(existing, candidate, end, excludeID)) > 0 {
			continue
		}
		out = append(out, Slot{Start: candidate, End: end})
		if len(out) == cfg.AlternativeSlots {
			break
		}
	}
	return out
}

func withinBusinessHours(start, end time.Time, cfg Config) bool {
	y, m, d := start.Date()
	open := time.Date(y, m, d, cfg.BusinessHoursStart, 0, 0, 0, start.Location())
	closing := time.Date(y, m, d, cfg.BusinessHoursEnd, 0, 0, 0, start.Location())
	return !start.Before(open) && !end.After(closing)
}

// CheckAvailabilityConflict looks for provider sessions overlapping the
// requested window and proposes alternatives on conflict. excludeID skips a
// session being rescheduled.
func (h *Handler) CheckAvailabilityConflict(ctx context.Context, providerID string, start time.Time, durationMinutes int, excludeID string) (ConflictDecision, error) {
	ctx, span := tracer.Start(ctx, "edgecases.availability_conflict")
	defer span.End()
	span.SetAttributes(attribute.String("provider.id", providerID))

	duration := time.Duration(durationMinutes) * time.Minute
	end := start.Add(duration)
	horizon := start.AddDate(0, 0, h.cfg.AlternativeSearchDays).Add(duration)

	existing, err := h.store.Find(ctx, sessions.Query{
		ProviderID:      providerID,
		ExcludeStatuses: cancelledStates(),
		StartsBefore:    horizon,
		EndsAfter:       start,
	})
	if err != nil {
		span.RecordError(err)
		return ConflictDecision{}, fmt.Errorf("edgecases: load provider sessions: %w", err)
	}

	conflicts := FindConflicts(existing, start, end, excludeID)
	if len(conflicts) == 0 {
		return ConflictDecision{Available: true}, nil
	}
	alts := ProposeAlternatives(existing, start, duration, excludeID, h.cfg)
	span.SetAttributes(attribute.Int("conflicts", len(conflicts)), attribute.Int("alternatives", len(alts)))
	return ConflictDecision{
		Conflicts:    conflicts,
		Alternatives: alts,
		Reason:       "provider already has a session in this window",
	}, nil
}

// AcquireBookingLock reserves a provider slot. Without a lock manager every
// attempt is acquired.
func (h *Handler) AcquireBookingLock(ctx context.Context, providerID string, slot time.Time) (locks.Result, error) {
	if h.locks == nil {
		return locks.Result{Acquired: true, Key: locks.Key(providerID, slot)}, nil
	}
	return h.locks.Acquire(ctx, providerID, slot)
}

// ReleaseBookingLock frees a slot reserved with token.
func (h *Handler) ReleaseBookingLock(ctx context.Context, providerID string, slot time.Time, token string) error {
	if h.locks == nil {
		return nil
	}
	return h.locks.Release(ctx, providerID, slot, token)
}
