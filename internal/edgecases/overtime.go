package edgecases

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/teletherapy-platform/internal/flow"
	"github.com/wolfman30/teletherapy-platform/internal/sessions"
)

// OvertimeDecision describes time past the scheduled end.
type OvertimeDecision struct {
	Allowed          bool                    `json:"allowed"`
	OvertimeMinutes  int                     `json:"overtime_minutes"`
	WithinGrace      bool                    `json:"within_grace"`
	RequiresApproval bool                    `json:"requires_approval"`
	BillableMinutes  int                     `json:"billable_minutes"`
	RatePerMinCents  int64                   `json:"rate_per_min_cents"`
	ChargeCents      int64                   `json:"charge_cents"`
	Status           sessions.OvertimeStatus `json:"status,omitempty"`
	Approver         sessions.Role           `json:"approver,omitempty"`
	Reason           string                  `json:"reason,omitempty"`
}

// OvertimeRate is the per minute rate derived from the provider's session
// rate, or fallback when the provider has none.
func OvertimeRate(providerRateCents int64, durationMinutes int, fallback int64) int64 {
	if providerRateCents <= 0 || durationMinutes <= 0 {
		return fallback
	}
	return providerRateCents / int64(durationMinutes)
}

// EvaluateOvertime prices the minutes past end. Minutes inside grace are free
// and need no approval.
func EvaluateOvertime(end, now time.Time, grace time.Duration, ratePerMin int64) OvertimeDecision {
	over := wholeMinutes(now.Sub(end))
	if over <= 0 {
		return OvertimeDecision{Allowed: true, WithinGrace: true, RatePerMinCents: ratePerMin}
	}
	graceMin := wholeMinutes(grace)
	if over <= graceMin {
		return OvertimeDecision{Allowed: true, OvertimeMinutes: over, WithinGrace: true, RatePerMinCents: ratePerMin}
	}
	billable := over - graceMin
	return OvertimeDecision{
		OvertimeMinutes:  over,
		RequiresApproval: true,
		BillableMinutes:  billable,
		RatePerMinCents:  ratePerMin,
		ChargeCents:      int64(billable) * ratePerMin,
		Status:           sessions.OvertimePendingApproval,
	}
}

func counterpart(r sessions.Role) sessions.Role {
	if r == sessions.RoleClient {
		return sessions.RoleProvider
	}
	return sessions.RoleClient
}

// HandleOvertime evaluates an extension requested by requestedBy. Billable
// overtime is recorded as pending approval by the counterpart.
func (h *Handler) HandleOvertime(ctx context.Context, s *sessions.Session, requestedBy sessions.Role) OvertimeDecision {
	_, span := tracer.Start(ctx, "edgecases.overtime")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", s.ID))

	if s.Status != flow.SessionInProgress {
		return OvertimeDecision{Reason: fmt.Sprintf("session is %s, overtime applies only in progress", s.Status)}
	}
	if s.Overtime != nil && s.Overtime.Status == sessions.OvertimeApproved {
		d := OvertimeDecision{
			Allowed:         true,
			OvertimeMinutes: s.Overtime.Minutes,
			RatePerMinCents: s.Overtime.RatePerMinCents,
			ChargeCents:     s.Overtime.ChargeCents,
			Status:          sessions.OvertimeApproved,
			Reason:          "overtime already approved",
		}
		return d
	}

	now := h.clock.Now()
	rate := OvertimeRate(s.ProviderRateCents, s.DurationMinutes, h.cfg.DefaultOvertimeRateCents)
	d := EvaluateOvertime(s.EndsAt(), now, h.cfg.OvertimeGrace, rate)
	span.SetAttributes(attribute.Int("overtime_minutes", d.OvertimeMinutes), attribute.Bool("requires_approval", d.RequiresApproval))
	if !d.RequiresApproval {
		return d
	}

	d.Approver = counterpart(requestedBy)
	d.Reason = fmt.Sprintf("overtime beyond %d minute grace needs %s approval", wholeMinutes(h.cfg.OvertimeGrace), d.Approver)
	s.Overtime = &sessions.Overtime{
		Minutes:         d.BillableMinutes,
		RatePerMinCents: rate,
		ChargeCents:     d.ChargeCents,
		Status:          sessions.OvertimePendingApproval,
		RequestedBy:     requestedBy,
		RequestedAt:     now,
	}
	h.logger.Info("overtime pending approval", "session_id", s.ID, "minutes", d.BillableMinutes, "charge_cents", d.ChargeCents, "approver", d.Approver)
	return d
}

// ApproveOvertime resolves a pending overtime request.
func (h *Handler) ApproveOvertime(ctx context.Context, s *sessions.Session, approver sessions.Role, approve bool) OvertimeDecision {
	_, span := tracer.Start(ctx, "edgecases.approve_overtime")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", s.ID), attribute.Bool("approve", approve))

	ot := s.Overtime
	if ot == nil || ot.Status != sessions.OvertimePendingApproval {
		return OvertimeDecision{Reason: "no overtime awaiting approval"}
	}
	if approver == ot.RequestedBy {
		return OvertimeDecision{
			RequiresApproval: true,
			Status:           ot.Status,
			Approver:         counterpart(ot.RequestedBy),
			Reason:           "overtime must be approved by the other participant",
		}
	}

	ot.ApprovedBy = approver
	ot.Status = sessions.OvertimeDeclined
	if approve {
		ot.Status = sessions.OvertimeApproved
	}
	h.logger.Info("overtime resolved", "session_id", s.ID, "status", ot.Status, "by", approver)
	return OvertimeDecision{
		Allowed:         approve,
		BillableMinutes: ot.Minutes,
		RatePerMinCents: ot.RatePerMinCents,
		ChargeCents:     ot.ChargeCents,
		Status:          ot.Status,
		Approver:        approver,
	}
}
