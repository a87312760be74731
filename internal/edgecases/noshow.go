package edgecases

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/teletherapy-platform/internal/flow"
	"github.com/wolfman30/teletherapy-platform/internal/sessions"
)

// NoShowDecision reports whether a ready session should close as a no-show.
type NoShowDecision struct {
	NoShow bool          `json:"no_show"`
	Absent sessions.Role `json:"absent,omitempty"`
	To     flow.State    `json:"to,omitempty"`
}

// DetectNoShow checks a ready session past start plus the no-show threshold.
// A missing provider takes precedence, so the client is never charged for a
// session nobody attended. The session is not mutated; the caller performs
// the transition.
func (h *Handler) DetectNoShow(ctx context.Context, s *sessions.Session) NoShowDecision {
	_, span := tracer.Start(ctx, "edgecases.detect_no_show")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", s.ID))

	if s.Status != flow.SessionReady {
		return NoShowDecision{}
	}
	if h.clock.Now().Before(s.ScheduledAt.Add(h.cfg.NoShowThreshold)) {
		return NoShowDecision{}
	}
	switch {
	case s.Video.ProviderJoinedAt == nil:
		return NoShowDecision{NoShow: true, Absent: sessions.RoleProvider, To: flow.SessionNoShowTherapist}
	case s.Video.ClientJoinedAt == nil:
		return NoShowDecision{NoShow: true, Absent: sessions.RoleClient, To: flow.SessionNoShowClient}
	default:
		return NoShowDecision{}
	}
}
