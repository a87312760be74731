package edgecases

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/teletherapy-platform/internal/flow"
	"github.com/wolfman30/teletherapy-platform/internal/sessions"
)

// LateJoinDecision is the outcome of a join attempt.
type LateJoinDecision struct {
	Allowed                 bool          `json:"allowed"`
	OnTime                  bool          `json:"on_time"`
	MinutesLate             int           `json:"minutes_late"`
	AdjustedDurationMinutes int           `json:"adjusted_duration_minutes,omitempty"`
	Participant             sessions.Role `json:"participant"`
	Reason                  string        `json:"reason,omitempty"`
}

// EvaluateLateJoin applies the late join rule in whole minutes: at or before
// the start is on time, up to threshold shortens the session, past it is
// refused.
func EvaluateLateJoin(start, now time.Time, durationMinutes int, threshold time.Duration) LateJoinDecision {
	late := wholeMinutes(now.Sub(start))
	if late <= 0 {
		return LateJoinDecision{Allowed: true, OnTime: true}
	}
	if late > wholeMinutes(threshold) {
		return LateJoinDecision{
			MinutesLate: late,
			Reason:      fmt.Sprintf("joined %d minutes late; the limit is %d minutes, please reschedule", late, wholeMinutes(threshold)),
		}
	}
	adjusted := durationMinutes - late
	if adjusted < 0 {
		adjusted = 0
	}
	return LateJoinDecision{Allowed: true, MinutesLate: late, AdjustedDurationMinutes: adjusted}
}

// HandleLateJoin records a participant joining the call.
func (h *Handler) HandleLateJoin(ctx context.Context, s *sessions.Session, participant sessions.Role) LateJoinDecision {
	_, span := tracer.Start(ctx, "edgecases.late_join")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", s.ID), attribute.String("participant", string(participant)))

	if s.Status != flow.SessionReady && s.Status != flow.SessionInProgress {
		return LateJoinDecision{Participant: participant, Reason: fmt.Sprintf("session is %s and cannot be joined", s.Status)}
	}

	now := h.clock.Now()
	d := EvaluateLateJoin(s.ScheduledAt, now, s.DurationMinutes, h.cfg.LateJoinThreshold)
	d.Participant = participant
	span.SetAttributes(attribute.Int("minutes_late", d.MinutesLate), attribute.Bool("allowed", d.Allowed))
	if !d.Allowed {
		h.logger.Info("late join refused", "session_id", s.ID, "participant", participant, "minutes_late", d.MinutesLate)
		return d
	}

	joined := now
	switch participant {
	case sessions.RoleProvider:
		s.Video.ProviderJoinedAt = &joined
	default:
		s.Video.ClientJoinedAt = &joined
	}
	if d.OnTime {
		return d
	}
	// the later of two late participants determines the shortened duration
	if s.LateJoin == nil || d.MinutesLate >= s.LateJoin.Minutes {
		s.LateJoin = &sessions.LateJoin{Participant: participant, Minutes: d.MinutesLate, JoinedAt: now}
		s.AdjustedDurationMinutes = d.AdjustedDurationMinutes
	} else {
		d.AdjustedDurationMinutes = s.AdjustedDurationMinutes
	}
	h.logger.Info("late join allowed", "session_id", s.ID, "participant", participant, "minutes_late", d.MinutesLate, "adjusted_duration", s.AdjustedDurationMinutes)
	return d
}
