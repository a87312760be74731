package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/teletherapy-platform/internal/edgecases"
	"github.com/wolfman30/teletherapy-platform/internal/flow"
	"github.com/wolfman30/teletherapy-platform/internal/locks"
	"github.com/wolfman30/teletherapy-platform/internal/notify"
	"github.com/wolfman30/teletherapy-platform/internal/recovery"
	"github.com/wolfman30/teletherapy-platform/internal/sessions"
)

// ErrInvalidBooking is returned for malformed booking requests.
var ErrInvalidBooking = errors.New("engine: invalid booking request")

// BookingRequest asks for a new session.
type BookingRequest struct {
	ID                string    `json:"id,omitempty"`
	ClientID          string    `json:"client_id"`
	ProviderID        string    `json:"provider_id"`
	Start             time.Time `json:"start"`
	DurationMinutes   int       `json:"duration_minutes"`
	PriceCents        int64     `json:"price_cents"`
	ProviderRateCents int64     `json:"provider_rate_cents,omitempty"`
}

func (r BookingRequest) validate(now time.Time) error {
	switch {
	case r.ClientID == "" || r.ProviderID == "":
		return fmt.Errorf("%w: client and provider are required", ErrInvalidBooking)
	case r.DurationMinutes <= 0:
		return fmt.Errorf("%w: duration must be positive", ErrInvalidBooking)
	case r.PriceCents < 0:
		return fmt.Errorf("%w: price cannot be negative", ErrInvalidBooking)
	case !r.Start.After(now):
		return fmt.Errorf("%w: start must be in the future", ErrInvalidBooking)
	}
	return nil
}

// BookingResult is a booking decision. A refused booking is not an error.
type BookingResult struct {
	Booked      bool                        `json:"booked"`
	Session     *sessions.Session           `json:"session,omitempty"`
	Conflict    *edgecases.ConflictDecision `json:"conflict,omitempty"`
	Reason      string                      `json:"reason,omitempty"`
	Persistence recovery.Outcome            `json:"persistence"`
}

// BookSession holds the window's slot locks while checking for conflicts and
// saving the new session, so two concurrent requests for overlapping windows
// cannot both book.
func (e *Engine) BookSession(ctx context.Context, req BookingRequest) (res BookingResult, err error) {
	ctx, span := tracer.Start(ctx, "engine.book_session")
	defer span.End()
	span.SetAttributes(attribute.String("provider.id", req.ProviderID), attribute.String("slot", req.Start.UTC().Format(time.RFC3339)))
	defer e.observe("book_session", time.Now(), &err)

	if err := req.validate(e.clock.Now()); err != nil {
		return BookingResult{}, err
	}

	release, refused, err := e.lockWindow(ctx, req.ProviderID, req.Start, req.DurationMinutes)
	if err != nil {
		span.RecordError(err)
		return BookingResult{}, err
	}
	if release == nil {
		e.logger.Info("booking refused, slot locked", "provider_id", req.ProviderID, "slot", req.Start)
		return BookingResult{Reason: refused}, nil
	}
	defer release()

	conflict, err := e.edges.CheckAvailabilityConflict(ctx, req.ProviderID, req.Start, req.DurationMinutes, "")
	if err != nil {
		span.RecordError(err)
		return BookingResult{}, err
	}
	if !conflict.Available {
		return BookingResult{Conflict: &conflict, Reason: conflict.Reason}, nil
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	s := sessions.New(id, req.ClientID, req.ProviderID, req.Start, req.DurationMinutes, req.PriceCents, e.clock.Now())
	s.ProviderRateCents = req.ProviderRateCents

	out, err := e.persist(ctx, s)
	if err != nil {
		span.RecordError(err)
		return BookingResult{}, err
	}
	e.recordTransition(ctx, flow.EntitySession, s.ID, "", s.Status, string(sessions.RoleClient), map[string]string{"event": "booked"})
	e.logger.Info("session booked", "session_id", s.ID, "provider_id", s.ProviderID, "slot", s.ScheduledAt, "queued", out.Queued)
	return BookingResult{Booked: true, Session: s, Persistence: out}, nil
}

// lockSpan is the width of one booking lock slot.
const lockSpan = time.Hour

// lockSlots lists the slot starts a window touches. Two overlapping windows
// always share at least one.
func lockSlots(start time.Time, minutes int) []time.Time {
	start = start.UTC()
	end := start.Add(time.Duration(minutes) * time.Minute)
	first := start.Truncate(lockSpan)
	out := []time.Time{first}
	for t := first.Add(lockSpan); t.Before(end); t = t.Add(lockSpan) {
		out = append(out, t)
	}
	return out
}

type heldSlot struct {
	slot time.Time
	lock locks.Result
}

// lockWindow takes every slot lock of the window in time order. A nil release
// means a slot is held elsewhere; refused carries the reason.
func (e *Engine) lockWindow(ctx context.Context, providerID string, start time.Time, minutes int) (release func(), refused string, err error) {
	var held []heldSlot
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			h := held[i]
			if rerr := e.edges.ReleaseBookingLock(context.WithoutCancel(ctx), providerID, h.slot, h.lock.Token); rerr != nil {
				e.logger.Warn("booking lock release failed", "error", rerr, "key", h.lock.Key)
			}
		}
	}
	for _, slot := range lockSlots(start, minutes) {
		lock, err := e.edges.AcquireBookingLock(ctx, providerID, slot)
		if err != nil {
			releaseAll()
			return nil, "", fmt.Errorf("engine: booking lock: %w", err)
		}
		if !lock.Acquired {
			releaseAll()
			return nil, lock.Reason, nil
		}
		held = append(held, heldSlot{slot: slot, lock: lock})
	}
	return releaseAll, "", nil
}

// CheckAvailabilityConflict reports whether the provider is free.
func (e *Engine) CheckAvailabilityConflict(ctx context.Context, providerID string, start time.Time, durationMinutes int, excludeID string) (edgecases.ConflictDecision, error) {
	return e.edges.CheckAvailabilityConflict(ctx, providerID, start, durationMinutes, excludeID)
}

// AcquireBookingLock takes the provider/slot lock.
func (e *Engine) AcquireBookingLock(ctx context.Context, providerID string, slot time.Time) (locks.Result, error) {
	return e.edges.AcquireBookingLock(ctx, providerID, slot)
}

// ReleaseBookingLock frees the provider/slot lock held with token.
func (e *Engine) ReleaseBookingLock(ctx context.Context, providerID string, slot time.Time, token string) error {
	return e.edges.ReleaseBookingLock(ctx, providerID, slot, token)
}

// RescheduleResult wraps the decision with persistence details.
type RescheduleResult struct {
	edgecases.RescheduleDecision
	Session     *sessions.Session `json:"session,omitempty"`
	Persistence *recovery.Outcome `json:"persistence,omitempty"`
}

// Reschedule moves a not yet started session under the new window's slot locks
// and tells the counterpart.
func (e *Engine) Reschedule(ctx context.Context, id string, newStart time.Time, by sessions.Role) (RescheduleResult, error) {
	ctx, span := tracer.Start(ctx, "engine.reschedule")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", id))

	s, err := e.load(ctx, id)
	if err != nil {
		return RescheduleResult{}, err
	}
	release, refused, err := e.lockWindow(ctx, s.ProviderID, newStart, s.DurationMinutes)
	if err != nil {
		return RescheduleResult{}, err
	}
	if release == nil {
		return RescheduleResult{RescheduleDecision: edgecases.RescheduleDecision{
			PreviousStart: s.ScheduledAt, NewStart: newStart.UTC(), Reason: refused,
		}}, nil
	}
	defer release()

	res, err := retryConflicts(ctx, e, id, func() (RescheduleResult, error) {
		current, err := e.load(ctx, id)
		if err != nil {
			return RescheduleResult{}, err
		}
		d, err := e.edges.Reschedule(ctx, current, newStart, by)
		if err != nil {
			return RescheduleResult{}, err
		}
		res := RescheduleResult{RescheduleDecision: d, Session: current}
		if !d.Allowed || d.PreviousStart.Equal(d.NewStart) {
			return res, nil
		}
		out, err := e.persist(ctx, current)
		if err != nil {
			return res, err
		}
		res.Persistence = &out
		return res, nil
	})
	if err != nil || res.Persistence == nil {
		return res, err
	}
	e.logger.Info("session rescheduled", "session_id", id, "status", res.Session.Status,
		"previous_start", res.PreviousStart, "new_start", res.NewStart, "by", by)
	counterpart := sessions.RoleProvider
	if by == sessions.RoleProvider {
		counterpart = sessions.RoleClient
	}
	e.notify(ctx, notify.SessionRescheduled(res.Session, counterpart))
	return res, nil
}
