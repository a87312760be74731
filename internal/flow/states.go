// Package flow holds the state tables for the three coupled entities that
// drive a therapy booking (session, payment, video call) and the pure
// validator that checks a requested transition against them.
package flow

import "sort"

// EntityType names one of the state machines.
type EntityType string

const (
	EntitySession EntityType = "session"
	EntityPayment EntityType = "payment"
	EntityVideo   EntityType = "video"
)

// State is a status value of any entity type.
type State string

// Session states.
const (
	SessionRequested              State = "requested"
	SessionApproved               State = "approved"
	SessionPaymentPending         State = "payment-pending"
	SessionPaid                   State = "paid"
	SessionFormsRequired          State = "forms-required"
	SessionReady                  State = "ready"
	SessionInProgress             State = "in-progress"
	SessionCompleted              State = "completed"
	SessionCancelled              State = "cancelled"
	SessionCancelledDuringSession State = "cancelled-during-session"
	SessionAutoCancelled          State = "auto-cancelled"
	SessionNoShowClient           State = "no-show-client"
	SessionNoShowTherapist        State = "no-show-therapist"
	SessionDeclined               State = "declined"
)

// Payment states.
const (
	PaymentPending   State = "pending"
	PaymentSubmitted State = "submitted"
	PaymentConfirmed State = "confirmed"
	PaymentFailed    State = "failed"
	PaymentRefunded  State = "refunded"
)

// Video call states.
const (
	VideoIdle         State = "idle"
	VideoWaiting      State = "waiting"
	VideoActive       State = "active"
	VideoReconnecting State = "reconnecting"
	VideoEnded        State = "ended"
)

// table maps each state to the states it may move to. Terminal states map to
// an empty set; every known state has an entry.
type table map[State][]State

var sessionTable = table{
	SessionRequested:              {SessionApproved, SessionDeclined, SessionCancelled},
	SessionApproved:               {SessionPaymentPending, SessionCancelled},
	SessionPaymentPending:         {SessionPaid, SessionAutoCancelled, SessionCancelled},
	SessionPaid:                   {SessionFormsRequired, SessionReady, SessionCancelled},
	SessionFormsRequired:          {SessionReady, SessionCancelled},
	SessionReady:                  {SessionInProgress, SessionNoShowClient, SessionNoShowTherapist, SessionCancelled},
	SessionInProgress:             {SessionCompleted, SessionCancelledDuringSession, SessionCancelled},
	SessionCompleted:              {},
	SessionCancelled:              {},
	SessionCancelledDuringSession: {},
	SessionAutoCancelled:          {},
	SessionNoShowClient:           {},
	SessionNoShowTherapist:        {},
	SessionDeclined:               {},
}

var paymentTable = table{
	PaymentPending:   {PaymentSubmitted, PaymentFailed},
	PaymentSubmitted: {PaymentConfirmed, PaymentFailed},
	PaymentFailed:    {PaymentPending},
	PaymentConfirmed: {PaymentRefunded},
	PaymentRefunded:  {},
}

var videoTable = table{
	VideoIdle:         {VideoWaiting, VideoActive, VideoEnded},
	VideoWaiting:      {VideoActive, VideoEnded},
	VideoActive:       {VideoReconnecting, VideoEnded},
	VideoReconnecting: {VideoActive, VideoEnded},
	VideoEnded:        {},
}

func tableFor(entity EntityType) (table, bool) {
	switch entity {
	case EntitySession:
		return sessionTable, true
	case EntityPayment:
		return paymentTable, true
	case EntityVideo:
		return videoTable, true
	default:
		return nil, false
	}
}

// EntityTypes lists the known entity types.
func EntityTypes() []EntityType {
	return []EntityType{EntitySession, EntityPayment, EntityVideo}
}

// IsKnown reports whether state belongs to the entity's table.
func IsKnown(entity EntityType, state State) bool {
	t, ok := tableFor(entity)
	if !ok {
		return false
	}
	_, ok = t[state]
	return ok
}

// States returns every state of the entity in a stable order.
func States(entity EntityType) []State {
	t, ok := tableFor(entity)
	if !ok {
		return nil
	}
	out := make([]State, 0, len(t))
	for s := range t {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AllowedTransitions returns a copy of the allowed next states. The result is
// empty (never nil) for terminal states.
func AllowedTransitions(entity EntityType, state State) ([]State, error) {
	t, ok := tableFor(entity)
	if !ok {
		return nil, &InvalidStateValueError{Entity: entity, Field: FieldEntity, Value: State(entity)}
	}
	next, ok := t[state]
	if !ok {
		return nil, &InvalidStateValueError{Entity: entity, Field: FieldCurrent, Value: state}
	}
	out := make([]State, len(next))
	copy(out, next)
	return out, nil
}

// IsTerminal reports whether state admits no further transitions. Unknown
// states are not terminal.
func IsTerminal(entity EntityType, state State) bool {
	t, ok := tableFor(entity)
	if !ok {
		return false
	}
	next, ok := t[state]
	return ok && len(next) == 0
}

// IsCancelled reports whether a session state is one of the cancellation
// terminals.
func IsCancelled(state State) bool {
	switch state {
	case SessionCancelled, SessionCancelledDuringSession, SessionAutoCancelled, SessionDeclined:
		return true
	}
	return false
}

// HappyPath is the canonical session progression, with forms optional.
func HappyPath() []State {
	return []State{
		SessionRequested,
		SessionApproved,
		SessionPaymentPending,
		SessionPaid,
		SessionReady,
		SessionInProgress,
		SessionCompleted,
	}
}
