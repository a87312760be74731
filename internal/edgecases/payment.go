package edgecases

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/teletherapy-platform/internal/flow"
	"github.com/wolfman30/teletherapy-platform/internal/sessions"
)

// PaymentNotification is a gateway callback for a session payment.
type PaymentNotification struct {
	SessionID   string     `json:"session_id"`
	Reference   string     `json:"reference"`
	Status      flow.State `json:"status"`
	AmountCents int64      `json:"amount_cents"`
}

// PaymentOutcome classifies a payment notification.
type PaymentOutcome string

const (
	// PaymentApplicable means the notification should be applied normally.
	PaymentApplicable PaymentOutcome = "applicable"
	PaymentDuplicate  PaymentOutcome = "duplicate"
	PaymentLate       PaymentOutcome = "late"
)

// PaymentDecision describes how a notification was handled.
type PaymentDecision struct {
	Outcome           PaymentOutcome `json:"outcome"`
	SessionStatus     flow.State     `json:"session_status"`
	RefundRequired    bool           `json:"refund_required,omitempty"`
	RebookingPriority bool           `json:"rebooking_priority,omitempty"`
	Reason            string         `json:"reason,omitempty"`
}

// HandlePaymentAfterCancellation screens a notification. A cancelled session
// is never resurrected: the payment is recorded as late and flagged for
// refund. Repeats of an already applied reference are duplicates.
func (h *Handler) HandlePaymentAfterCancellation(ctx context.Context, s *sessions.Session, n PaymentNotification) PaymentDecision {
	_, span := tracer.Start(ctx, "edgecases.late_payment")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", s.ID), attribute.String("payment.reference", n.Reference))

	d := PaymentDecision{SessionStatus: s.Status}
	if n.Reference != "" && s.Payment.Reference == n.Reference && s.Payment.Status == flow.PaymentConfirmed {
		d.Outcome = PaymentDuplicate
		d.Reason = "payment already confirmed with this reference"
		return d
	}
	if n.Reference != "" && s.LatePaymentReceived && s.LatePaymentReference == n.Reference {
		d.Outcome = PaymentDuplicate
		d.RefundRequired = s.RefundRequired
		d.RebookingPriority = s.RebookingPriority
		d.Reason = "late payment already recorded"
		return d
	}
	if !flow.IsCancelled(s.Status) {
		d.Outcome = PaymentApplicable
		return d
	}
	if n.Status != flow.PaymentConfirmed {
		// a failed or pending charge on a cancelled session moves no money
		d.Outcome = PaymentLate
		d.Reason = fmt.Sprintf("session is %s; payment status %s ignored", s.Status, n.Status)
		return d
	}

	s.LatePaymentReceived = true
	s.LatePaymentReference = n.Reference
	s.RefundRequired = true
	s.RebookingPriority = true
	h.logger.Warn("payment received after cancellation", "session_id", s.ID, "status", s.Status, "reference", n.Reference, "amount_cents", n.AmountCents)

	d.Outcome = PaymentLate
	d.RefundRequired = true
	d.RebookingPriority = true
	d.Reason = fmt.Sprintf("session is %s; payment will be refunded and rebooking prioritised", s.Status)
	return d
}
