package edgecases

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/teletherapy-platform/internal/flow"
	"github.com/wolfman30/teletherapy-platform/internal/sessions"
)

// CancellationDecision is the outcome of cancelling a session in progress.
type CancellationDecision struct {
	Allowed         bool       `json:"allowed"`
	From            flow.State `json:"from,omitempty"`
	To              flow.State `json:"to,omitempty"`
	ElapsedMinutes  int        `json:"elapsed_minutes"`
	PercentComplete float64    `json:"percent_complete"`
	RefundPercent   int        `json:"refund_percent"`
	RefundCents     int64      `json:"refund_cents"`
	Reason          string     `json:"reason,omitempty"`
}

// RefundPercent maps completion to the refund tier. Boundaries fall into the
// lower refund.
func RefundPercent(percentComplete float64) int {
	switch {
	case percentComplete < 25:
		return 75
	case percentComplete < 50:
		return 50
	case percentComplete < 75:
		return 25
	default:
		return 0
	}
}

// EvaluateMidSessionCancellation computes elapsed share and refund.
func EvaluateMidSessionCancellation(elapsed, duration time.Duration, priceCents int64) CancellationDecision {
	if elapsed < 0 {
		elapsed = 0
	}
	pct := 100.0
	if duration > 0 {
		pct = math.Min(100, float64(elapsed)/float64(duration)*100)
	}
	refund := RefundPercent(pct)
	return CancellationDecision{
		Allowed:         true,
		ElapsedMinutes:  wholeMinutes(elapsed),
		PercentComplete: pct,
		RefundPercent:   refund,
		RefundCents:     priceCents * int64(refund) / 100,
	}
}

// HandleMidSessionCancellation moves an in-progress session to
// cancelled-during-session with a prorated refund.
func (h *Handler) HandleMidSessionCancellation(ctx context.Context, s *sessions.Session, by sessions.Role, reason string) CancellationDecision {
	_, span := tracer.Start(ctx, "edgecases.mid_session_cancel")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", s.ID))

	if err := flow.Validate(flow.EntitySession, s.Status, flow.SessionCancelledDuringSession, nil); err != nil || s.Status == flow.SessionCancelledDuringSession {
		return CancellationDecision{From: s.Status, Reason: fmt.Sprintf("session is %s, not in progress", s.Status)}
	}

	now := h.clock.Now()
	started := s.ScheduledAt
	if s.Video.StartedAt != nil {
		started = *s.Video.StartedAt
	}
	d := EvaluateMidSessionCancellation(now.Sub(started), s.EffectiveDuration(), s.PriceCents)
	d.From = s.Status
	d.To = flow.SessionCancelledDuringSession
	span.SetAttributes(attribute.Float64("percent_complete", d.PercentComplete), attribute.Int("refund_percent", d.RefundPercent))

	s.Status = flow.SessionCancelledDuringSession
	s.TransitionedAt = now
	s.Cancellation = &sessions.Cancellation{
		By:              by,
		Reason:          reason,
		At:              now,
		ElapsedMinutes:  d.ElapsedMinutes,
		PercentComplete: d.PercentComplete,
		RefundPercent:   d.RefundPercent,
		RefundCents:     d.RefundCents,
	}
	s.RefundRequired = d.RefundCents > 0
	if s.Video.Status != flow.VideoEnded {
		ended := now
		s.Video.Status = flow.VideoEnded
		s.Video.EndedAt = &ended
	}
	h.logger.Info("session cancelled in progress", "session_id", s.ID, "by", by, "percent_complete", d.PercentComplete, "refund_cents", d.RefundCents)
	return d
}
