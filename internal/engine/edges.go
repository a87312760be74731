package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/teletherapy-platform/internal/edgecases"
	"github.com/wolfman30/teletherapy-platform/internal/flow"
	"github.com/wolfman30/teletherapy-platform/internal/monitor"
	"github.com/wolfman30/teletherapy-platform/internal/notify"
	"github.com/wolfman30/teletherapy-platform/internal/recovery"
	"github.com/wolfman30/teletherapy-platform/internal/sessions"
)

// LateJoinResult wraps the decision with persistence details.
type LateJoinResult struct {
	edgecases.LateJoinDecision
	Persistence *recovery.Outcome `json:"persistence,omitempty"`
}

// HandleLateJoin records a participant joining and shortens the session when
// the join is late.
func (e *Engine) HandleLateJoin(ctx context.Context, id string, participant sessions.Role) (LateJoinResult, error) {
	ctx, span := tracer.Start(ctx, "engine.late_join")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", id))

	return retryConflicts(ctx, e, id, func() (LateJoinResult, error) {
		s, err := e.load(ctx, id)
		if err != nil {
			return LateJoinResult{}, err
		}
		d := e.edges.HandleLateJoin(ctx, s, participant)
		res := LateJoinResult{LateJoinDecision: d}
		if !d.Allowed {
			return res, nil
		}
		out, err := e.persist(ctx, s)
		if err != nil {
			return res, err
		}
		res.Persistence = &out
		return res, nil
	})
}

// OvertimeResult wraps the decision with persistence details.
type OvertimeResult struct {
	edgecases.OvertimeDecision
	Persistence *recovery.Outcome `json:"persistence,omitempty"`
}

// HandleOvertime evaluates a request to run past the scheduled end. Billable
// overtime asks the counterpart for approval.
func (e *Engine) HandleOvertime(ctx context.Context, id string, requestedBy sessions.Role) (OvertimeResult, error) {
	ctx, span := tracer.Start(ctx, "engine.overtime")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", id))

	return retryConflicts(ctx, e, id, func() (OvertimeResult, error) {
		s, err := e.load(ctx, id)
		if err != nil {
			return OvertimeResult{}, err
		}
		d := e.edges.HandleOvertime(ctx, s, requestedBy)
		res := OvertimeResult{OvertimeDecision: d}
		if !d.RequiresApproval || d.Approver == "" {
			return res, nil
		}
		out, err := e.persist(ctx, s)
		if err != nil {
			return res, err
		}
		res.Persistence = &out
		e.notify(ctx, notify.OvertimeApprovalRequest(s, d.Approver))
		return res, nil
	})
}

// ApproveOvertime resolves a pending overtime request.
func (e *Engine) ApproveOvertime(ctx context.Context, id string, approver sessions.Role, approve bool) (OvertimeResult, error) {
	ctx, span := tracer.Start(ctx, "engine.approve_overtime")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", id))

	return retryConflicts(ctx, e, id, func() (OvertimeResult, error) {
		s, err := e.load(ctx, id)
		if err != nil {
			return OvertimeResult{}, err
		}
		d := e.edges.ApproveOvertime(ctx, s, approver, approve)
		res := OvertimeResult{OvertimeDecision: d}
		if d.Status != sessions.OvertimeApproved && d.Status != sessions.OvertimeDeclined {
			return res, nil
		}
		out, err := e.persist(ctx, s)
		if err != nil {
			return res, err
		}
		res.Persistence = &out
		return res, nil
	})
}

// CancellationResult wraps the decision with persistence details.
type CancellationResult struct {
	edgecases.CancellationDecision
	Session     *sessions.Session `json:"session,omitempty"`
	Persistence *recovery.Outcome `json:"persistence,omitempty"`
}

// HandleMidSessionCancellation ends an in-progress session with a prorated
// refund.
func (e *Engine) HandleMidSessionCancellation(ctx context.Context, id string, by sessions.Role, reason string) (CancellationResult, error) {
	ctx, span := tracer.Start(ctx, "engine.mid_session_cancel")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", id))

	return retryConflicts(ctx, e, id, func() (CancellationResult, error) {
		s, err := e.load(ctx, id)
		if err != nil {
			return CancellationResult{}, err
		}
		videoBefore := s.Video.Status
		d := e.edges.HandleMidSessionCancellation(ctx, s, by, reason)
		res := CancellationResult{CancellationDecision: d, Session: s}
		if !d.Allowed {
			verr := flow.Validate(flow.EntitySession, d.From, flow.SessionCancelledDuringSession, nil)
			if verr != nil {
				e.monitor.RecordViolation(ctx, monitor.ViolationFromError(flow.EntitySession, s.ID, d.From, flow.SessionCancelledDuringSession, string(by), verr))
			}
			return res, nil
		}
		out, err := e.persist(ctx, s)
		if err != nil {
			return res, err
		}
		res.Persistence = &out
		e.recordTransition(ctx, flow.EntitySession, s.ID, d.From, d.To, string(by), map[string]string{
			"refund_percent": fmt.Sprint(d.RefundPercent),
			"refund_cents":   fmt.Sprint(d.RefundCents),
		})
		if videoBefore != s.Video.Status {
			e.recordTransition(ctx, flow.EntityVideo, s.ID, videoBefore, s.Video.Status, string(by), nil)
		}
		if d.RefundCents > 0 {
			e.notify(ctx, notify.MidSessionRefund(s))
		}
		return res, nil
	})
}

// PaymentResult reports how a gateway notification was handled.
type PaymentResult struct {
	edgecases.PaymentDecision
	Session     *sessions.Session `json:"session,omitempty"`
	Applied     []flow.State      `json:"applied,omitempty"`
	Persistence *recovery.Outcome `json:"persistence,omitempty"`
}

// HandlePaymentAfterCancellation screens a notification against a cancelled
// session and records late payments for refund.
func (e *Engine) HandlePaymentAfterCancellation(ctx context.Context, n edgecases.PaymentNotification) (PaymentResult, error) {
	ctx, span := tracer.Start(ctx, "engine.payment_after_cancellation")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", n.SessionID))

	return retryConflicts(ctx, e, n.SessionID, func() (PaymentResult, error) {
		s, err := e.load(ctx, n.SessionID)
		if err != nil {
			return PaymentResult{}, err
		}
		return e.screenPayment(ctx, s, n)
	})
}

func (e *Engine) screenPayment(ctx context.Context, s *sessions.Session, n edgecases.PaymentNotification) (PaymentResult, error) {
	d := e.edges.HandlePaymentAfterCancellation(ctx, s, n)
	res := PaymentResult{PaymentDecision: d, Session: s}
	if d.Outcome != edgecases.PaymentLate || !d.RefundRequired {
		return res, nil
	}
	out, err := e.persist(ctx, s)
	if err != nil {
		return res, err
	}
	res.Persistence = &out
	e.monitor.RecordViolation(ctx, monitor.Violation{
		Type:     "late-payment",
		Entity:   flow.EntityPayment,
		EntityID: s.ID,
		From:     s.Payment.Status,
		To:       n.Status,
		Reason:   d.Reason,
		Severity: recovery.SeverityWarning,
		Actor:    "payment-gateway",
	})
	e.notify(ctx, notify.LatePaymentRefund(s))
	return res, nil
}

// HandlePaymentNotification applies a gateway callback. Late and duplicate
// notifications are screened first; applicable ones walk the payment through
// the intermediate states the table requires.
func (e *Engine) HandlePaymentNotification(ctx context.Context, n edgecases.PaymentNotification) (res PaymentResult, err error) {
	ctx, span := tracer.Start(ctx, "engine.payment_notification")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", n.SessionID), attribute.String("payment.status", string(n.Status)))
	defer e.observe("payment_notification", time.Now(), &err)

	return retryConflicts(ctx, e, n.SessionID, func() (PaymentResult, error) {
		return e.applyPaymentNotification(ctx, n)
	})
}

// applyPaymentNotification makes one load, decide and save pass.
func (e *Engine) applyPaymentNotification(ctx context.Context, n edgecases.PaymentNotification) (PaymentResult, error) {
	s, err := e.load(ctx, n.SessionID)
	if err != nil {
		return PaymentResult{}, err
	}
	res, err := e.screenPayment(ctx, s, n)
	if err != nil || res.Outcome != edgecases.PaymentApplicable {
		return res, err
	}

	from := s.Payment.Status
	if from == n.Status {
		return res, nil
	}
	path, ok := shortestPath(flow.EntityPayment, from, n.Status)
	if !ok {
		verr := e.validate(ctx, flow.EntityPayment, s.ID, from, n.Status, nil, "payment-gateway")
		if verr == nil {
			verr = fmt.Errorf("engine: no payment path from %s to %s", from, n.Status)
		}
		return res, verr
	}
	prev := from
	for _, step := range path {
		if err := e.validate(ctx, flow.EntityPayment, s.ID, prev, step, nil, "payment-gateway"); err != nil {
			return res, err
		}
		e.setPayment(s, step, n.Reference, n.AmountCents)
		prev = step
	}
	sessionMoved := e.advanceOnPayment(ctx, s, "payment-gateway")

	out, err := e.persist(ctx, s)
	if err != nil {
		return res, err
	}
	res.Persistence = &out
	res.Applied = path
	res.SessionStatus = s.Status
	prev = from
	for _, step := range path {
		e.recordTransition(ctx, flow.EntityPayment, s.ID, prev, step, "payment-gateway", paymentMeta(n.Reference))
		prev = step
	}
	if sessionMoved {
		e.recordTransition(ctx, flow.EntitySession, s.ID, flow.SessionPaymentPending, flow.SessionPaid, "payment-gateway", map[string]string{"trigger": "payment-confirmed"})
	}
	return res, nil
}

// shortestPath finds the fewest legal steps from one state to another,
// excluding from itself.
func shortestPath(entity flow.EntityType, from, to flow.State) ([]flow.State, bool) {
	prev := map[flow.State]flow.State{from: ""}
	queue := []flow.State{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			var path []flow.State
			for s := to; s != from; s = prev[s] {
				path = append([]flow.State{s}, path...)
			}
			return path, true
		}
		next, err := flow.AllowedTransitions(entity, cur)
		if err != nil {
			return nil, false
		}
		for _, n := range next {
			if _, seen := prev[n]; !seen {
				prev[n] = cur
				queue = append(queue, n)
			}
		}
	}
	return nil, false
}

// CheckDeletionAllowed guards erasure of a session or participant.
func (e *Engine) CheckDeletionAllowed(ctx context.Context, target edgecases.DeletionTarget) (edgecases.DeletionDecision, error) {
	return e.edges.CheckDeletionAllowed(ctx, target)
}

// ValidateConsistency scans sessions and records every anomaly as a
// violation. Nothing is corrected.
func (e *Engine) ValidateConsistency(ctx context.Context, q sessions.Query) (edgecases.ConsistencyReport, error) {
	ctx, span := tracer.Start(ctx, "engine.validate_consistency")
	defer span.End()

	report, err := e.edges.ValidateConsistency(ctx, q)
	if err != nil {
		span.RecordError(err)
		return report, err
	}
	for _, issue := range report.Issues {
		e.monitor.RecordViolation(ctx, monitor.IntegrityViolation(issue.SessionID, issue.Kind, issue.Status, issue.Detail))
	}
	span.SetAttributes(attribute.Int("checked", report.Checked), attribute.Int("issues", len(report.Issues)))
	return report, nil
}

// DetectNoShows closes ready sessions nobody (or only one side) joined.
// It returns how many sessions were closed.
func (e *Engine) DetectNoShows(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "engine.detect_no_shows")
	defer span.End()

	cutoff := e.clock.Now().Add(-e.edges.Config().NoShowThreshold)
	list, err := e.store.Find(ctx, sessions.Query{
		Statuses:     []flow.State{flow.SessionReady},
		StartsBefore: cutoff.Add(time.Nanosecond),
	})
	if err != nil {
		return 0, fmt.Errorf("engine: find ready sessions: %w", err)
	}
	closed := 0
	for _, s := range list {
		d := e.edges.DetectNoShow(ctx, s)
		if !d.NoShow {
			continue
		}
		if _, err := e.applySession(ctx, s, d.To, string(sessions.RoleSystem), map[string]string{"absent": string(d.Absent)}); err != nil {
			e.logger.Error("close no-show failed", "error", err, "session_id", s.ID)
			continue
		}
		closed++
		e.notify(ctx, notify.NoShow(s, d.Absent))
	}
	span.SetAttributes(attribute.Int("closed", closed))
	return closed, nil
}
