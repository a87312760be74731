package edgecases

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/teletherapy-platform/internal/flow"
	"github.com/wolfman30/teletherapy-platform/internal/sessions"
)

// Inconsistency kinds.
const (
	IssuePaidButCancelled     = "payment-confirmed-session-cancelled"
	IssueCompletedWithoutEnd  = "completed-without-end-time"
	IssueCallEndsBeforeStart  = "call-ends-before-start"
	IssueActiveWithoutPayment = "active-without-confirmed-payment"
	IssueUnknownSessionStatus = "unknown-session-status"
)

// Inconsistency is one flagged combination.
type Inconsistency struct {
	SessionID string     `json:"session_id"`
	Kind      string     `json:"kind"`
	Status    flow.State `json:"status"`
	Detail    string     `json:"detail"`
}

// ConsistencyReport is the result of a scan.
type ConsistencyReport struct {
	Checked   int             `json:"checked"`
	Issues    []Inconsistency `json:"issues"`
	CheckedAt time.Time       `json:"checked_at"`
}

// CheckSession flags inconsistent state combinations. It never mutates s.
func CheckSession(s *sessions.Session) []Inconsistency {
	var out []Inconsistency
	flag := func(kind, detail string) {
		out = append(out, Inconsistency{SessionID: s.ID, Kind: kind, Status: s.Status, Detail: detail})
	}

	if !flow.IsKnown(flow.EntitySession, s.Status) {
		flag(IssueUnknownSessionStatus, fmt.Sprintf("status %q is not a session state", s.Status))
		return out
	}
	if flow.IsCancelled(s.Status) && s.Status != flow.SessionCancelledDuringSession && s.Payment.Status == flow.PaymentConfirmed {
		flag(IssuePaidButCancelled, "payment confirmed on a cancelled session")
	}
	if s.Status == flow.SessionCompleted && s.Video.EndedAt == nil {
		flag(IssueCompletedWithoutEnd, "completed session has no call end time")
	}
	if s.Video.StartedAt != nil && s.Video.EndedAt != nil && s.Video.EndedAt.Before(*s.Video.StartedAt) {
		flag(IssueCallEndsBeforeStart, "call end time precedes start time")
	}
	if (s.Status == flow.SessionReady || s.Status == flow.SessionInProgress) &&
		!s.Payment.Waived && s.Payment.Status != flow.PaymentConfirmed {
		flag(IssueActiveWithoutPayment, fmt.Sprintf("payment is %s", s.Payment.Status))
	}
	return out
}

// ValidateConsistency scans sessions matching q. It is read only: anomalies
// are reported, never corrected.
func (h *Handler) ValidateConsistency(ctx context.Context, q sessions.Query) (ConsistencyReport, error) {
	ctx, span := tracer.Start(ctx, "edgecases.validate_consistency")
	defer span.End()

	list, err := h.store.Find(ctx, q)
	if err != nil {
		span.RecordError(err)
		return ConsistencyReport{}, fmt.Errorf("edgecases: consistency scan: %w", err)
	}
	report := ConsistencyReport{Checked: len(list), Issues: []Inconsistency{}, CheckedAt: h.clock.Now()}
	for _, s := range list {
		report.Issues = append(report.Issues, CheckSession(s)...)
	}
	if len(report.Issues) > 0 {
		h.logger.Warn("consistency issues found", "checked", report.Checked, "issues", len(report.Issues))
	}
	return report, nil
}
