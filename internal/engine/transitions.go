package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/teletherapy-platform/internal/flow"
	"github.com/wolfman30/teletherapy-platform/internal/recovery"
	"github.com/wolfman30/teletherapy-platform/internal/sessions"
)

// ErrMidSessionCancellationRequired rejects moving a session straight to
// cancelled-during-session; only HandleMidSessionCancellation records the
// elapsed time and refund that state carries.
var ErrMidSessionCancellationRequired = errors.New("engine: cancelled-during-session requires mid-session cancellation")

// TransitionResult reports an applied transition.
type TransitionResult struct {
	Session     *sessions.Session `json:"session"`
	Entity      flow.EntityType   `json:"entity"`
	From        flow.State        `json:"from"`
	To          flow.State        `json:"to"`
	Applied     bool              `json:"applied"`
	Persistence recovery.Outcome  `json:"persistence"`
}

// ValidateTransition checks a transition without applying it. Rejections are
// recorded as violations.
func (e *Engine) ValidateTransition(ctx context.Context, entity flow.EntityType, entityID string, current, next flow.State, tctx *flow.Context, actor string) error {
	ctx, span := tracer.Start(ctx, "engine.validate_transition")
	defer span.End()
	span.SetAttributes(attribute.String("entity", string(entity)), attribute.String("from", string(current)), attribute.String("to", string(next)))

	err := e.validate(ctx, entity, entityID, current, next, tctx, actor)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// TransitionSession moves a session to next after checking the table and the
// cross-entity preconditions.
func (e *Engine) TransitionSession(ctx context.Context, id string, next flow.State, actor string) (res TransitionResult, err error) {
	ctx, span := tracer.Start(ctx, "engine.transition_session")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", id), attribute.String("to", string(next)))
	defer e.observe("transition_session", time.Now(), &err)

	if next == flow.SessionCancelledDuringSession {
		err = fmt.Errorf("engine: transition session %s: %w", id, ErrMidSessionCancellationRequired)
		span.RecordError(err)
		return TransitionResult{}, err
	}
	res, err = retryConflicts(ctx, e, id, func() (TransitionResult, error) {
		s, err := e.load(ctx, id)
		if err != nil {
			return TransitionResult{}, err
		}
		if next == flow.SessionReady {
			if ferr := e.edges.RefreshForms(ctx, s); ferr != nil {
				e.logger.Warn("forms check failed", "error", ferr, "session_id", id)
			}
		}
		return e.applySession(ctx, s, next, actor, nil)
	})
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

func (e *Engine) applySession(ctx context.Context, s *sessions.Session, next flow.State, actor string, meta map[string]string) (TransitionResult, error) {
	from := s.Status
	res := TransitionResult{Session: s, Entity: flow.EntitySession, From: from, To: next}
	if err := e.validate(ctx, flow.EntitySession, s.ID, from, next, s.FlowContext(actor), actor); err != nil {
		return res, err
	}
	if from == next {
		return res, nil
	}
	s.Status = next
	s.TransitionedAt = e.clock.Now()
	out, err := e.persist(ctx, s)
	if err != nil {
		return res, err
	}
	res.Applied = true
	res.Persistence = out
	e.recordTransition(ctx, flow.EntitySession, s.ID, from, next, actor, meta)
	return res, nil
}

// TransitionPayment moves the payment sub-state. Confirming the payment of a
// session waiting for it advances the session to paid.
func (e *Engine) TransitionPayment(ctx context.Context, id string, next flow.State, actor, reference string) (res TransitionResult, err error) {
	ctx, span := tracer.Start(ctx, "engine.transition_payment")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", id), attribute.String("to", string(next)))
	defer e.observe("transition_payment", time.Now(), &err)

	return retryConflicts(ctx, e, id, func() (TransitionResult, error) {
		s, err := e.load(ctx, id)
		if err != nil {
			return TransitionResult{}, err
		}
		from := s.Payment.Status
		res := TransitionResult{Session: s, Entity: flow.EntityPayment, From: from, To: next}
		if err := e.validate(ctx, flow.EntityPayment, s.ID, from, next, nil, actor); err != nil {
			span.RecordError(err)
			return res, err
		}
		if from == next {
			return res, nil
		}
		e.setPayment(s, next, reference, 0)
		sessionMoved := e.advanceOnPayment(ctx, s, actor)

		out, err := e.persist(ctx, s)
		if err != nil {
			return res, err
		}
		res.Applied = true
		res.Persistence = out
		e.recordTransition(ctx, flow.EntityPayment, s.ID, from, next, actor, paymentMeta(reference))
		if sessionMoved {
			e.recordTransition(ctx, flow.EntitySession, s.ID, flow.SessionPaymentPending, flow.SessionPaid, actor, map[string]string{"trigger": "payment-confirmed"})
		}
		return res, nil
	})
}

func (e *Engine) setPayment(s *sessions.Session, next flow.State, reference string, amount int64) {
	s.Payment.Status = next
	if reference != "" {
		s.Payment.Reference = reference
	}
	if amount > 0 {
		s.Payment.AmountCents = amount
	}
	if next == flow.PaymentConfirmed {
		now := e.clock.Now()
		s.Payment.ConfirmedAt = &now
	}
}

// advanceOnPayment moves payment-pending to paid once the payment is
// confirmed. It reports whether the session moved.
func (e *Engine) advanceOnPayment(ctx context.Context, s *sessions.Session, actor string) bool {
	if s.Payment.Status != flow.PaymentConfirmed || s.Status != flow.SessionPaymentPending {
		return false
	}
	if err := e.validate(ctx, flow.EntitySession, s.ID, s.Status, flow.SessionPaid, s.FlowContext(actor), actor); err != nil {
		return false
	}
	s.Status = flow.SessionPaid
	s.TransitionedAt = e.clock.Now()
	return true
}

func paymentMeta(reference string) map[string]string {
	if reference == "" {
		return nil
	}
	return map[string]string{"reference": reference}
}

// WaivePayment lets an administrator release a session without a confirmed
// payment.
func (e *Engine) WaivePayment(ctx context.Context, id, admin string) (*sessions.Session, recovery.Outcome, error) {
	ctx, span := tracer.Start(ctx, "engine.waive_payment")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", id))

	if admin == "" {
		return nil, recovery.Outcome{}, fmt.Errorf("engine: waive payment: admin required")
	}
	type waived struct {
		s   *sessions.Session
		out recovery.Outcome
	}
	res, err := retryConflicts(ctx, e, id, func() (waived, error) {
		s, err := e.load(ctx, id)
		if err != nil {
			return waived{}, err
		}
		if s.IsTerminal() {
			return waived{s: s}, fmt.Errorf("engine: waive payment: session is %s", s.Status)
		}
		s.Payment.Waived = true
		s.Payment.WaivedBy = admin
		out, err := e.persist(ctx, s)
		return waived{s: s, out: out}, err
	})
	if err != nil {
		return res.s, res.out, err
	}
	e.logger.Info("payment waived", "session_id", id, "admin", admin)
	return res.s, res.out, nil
}

// TransitionVideo moves the call sub-state and stamps start and end times.
func (e *Engine) TransitionVideo(ctx context.Context, id string, next flow.State, actor string) (res TransitionResult, err error) {
	ctx, span := tracer.Start(ctx, "engine.transition_video")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", id), attribute.String("to", string(next)))
	defer e.observe("transition_video", time.Now(), &err)

	return retryConflicts(ctx, e, id, func() (TransitionResult, error) {
		s, err := e.load(ctx, id)
		if err != nil {
			return TransitionResult{}, err
		}
		from := s.Video.Status
		res := TransitionResult{Session: s, Entity: flow.EntityVideo, From: from, To: next}
		if err := e.validate(ctx, flow.EntityVideo, s.ID, from, next, nil, actor); err != nil {
			span.RecordError(err)
			return res, err
		}
		if from == next {
			return res, nil
		}
		now := e.clock.Now()
		s.Video.Status = next
		if next == flow.VideoActive && s.Video.StartedAt == nil {
			s.Video.StartedAt = &now
		}
		if next == flow.VideoEnded && s.Video.EndedAt == nil {
			s.Video.EndedAt = &now
		}
		out, err := e.persist(ctx, s)
		if err != nil {
			return res, err
		}
		res.Applied = true
		res.Persistence = out
		e.recordTransition(ctx, flow.EntityVideo, s.ID, from, next, actor, nil)
		return res, nil
	})
}
