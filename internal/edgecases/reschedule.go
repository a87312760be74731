package edgecases

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/teletherapy-platform/internal/flow"
	"github.com/wolfman30/teletherapy-platform/internal/sessions"
)

// RescheduleDecision is the outcome of moving a session.
type RescheduleDecision struct {
	Allowed       bool              `json:"allowed"`
	PreviousStart time.Time         `json:"previous_start"`
	NewStart      time.Time         `json:"new_start"`
	Conflict      *ConflictDecision `json:"conflict,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

var reschedulable = []flow.State{
	flow.SessionRequested,
	flow.SessionApproved,
	flow.SessionPaymentPending,
	flow.SessionPaid,
	flow.SessionFormsRequired,
	flow.SessionReady,
}

// Reschedule moves a session that has not started to newStart when the
// provider is free then. The caller holds the booking lock for newStart.
func (h *Handler) Reschedule(ctx context.Context, s *sessions.Session, newStart time.Time, by sessions.Role) (RescheduleDecision, error) {
	ctx, span := tracer.Start(ctx, "edgecases.reschedule")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", s.ID))

	newStart = newStart.UTC()
	d := RescheduleDecision{PreviousStart: s.ScheduledAt, NewStart: newStart}
	if !hasState(reschedulable, s.Status) {
		d.Reason = fmt.Sprintf("session is %s and can no longer be rescheduled", s.Status)
		return d, nil
	}
	if !newStart.After(h.clock.Now()) {
		d.Reason = "new start must be in the future"
		return d, nil
	}
	if newStart.Equal(s.ScheduledAt) {
		d.Allowed = true
		return d, nil
	}

	conflict, err := h.CheckAvailabilityConflict(ctx, s.ProviderID, newStart, s.DurationMinutes, s.ID)
	if err != nil {
		return RescheduleDecision{}, err
	}
	if !conflict.Available {
		d.Conflict = &conflict
		d.Reason = conflict.Reason
		return d, nil
	}

	count := 1
	if s.Reschedule != nil {
		count = s.Reschedule.Count + 1
	}
	now := h.clock.Now()
	s.Reschedule = &sessions.Reschedule{Count: count, PreviousStart: s.ScheduledAt, RequestedBy: by, At: now}
	s.ScheduledAt = newStart
	// a late join annotation belongs to the old slot
	s.LateJoin = nil
	s.AdjustedDurationMinutes = 0
	h.logger.Info("session rescheduled", "session_id", s.ID, "from", d.PreviousStart, "to", newStart, "count", count)

	d.Allowed = true
	return d, nil
}
