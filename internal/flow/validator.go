package flow

// Context carries cross-entity state for precondition checks.
type Context struct {
	PaymentStatus State  `json:"payment_status,omitempty"`
	PaymentWaived bool   `json:"payment_waived,omitempty"`
	FormsComplete bool   `json:"forms_complete,omitempty"`
	CallEnded     bool   `json:"call_ended,omitempty"`
	Actor         string `json:"actor,omitempty"`
}

func (c *Context) paymentSatisfied() bool {
	return c.PaymentWaived || c.PaymentStatus == PaymentConfirmed
}

type precondition struct {
	reason string
	check  func(*Context) bool
}

type edge struct {
	entity EntityType
	to     State
}

// preconditions are declared per target state, so every legal edge into that
// state carries the same requirement.
var preconditions = map[edge][]precondition{
	{EntitySession, SessionReady}: {
		{"payment must be confirmed or waived", (*Context).paymentSatisfied},
		{"intake forms must be complete", func(c *Context) bool { return c.FormsComplete }},
	},
	{EntitySession, SessionInProgress}: {
		{"payment must be confirmed or waived", (*Context).paymentSatisfied},
	},
	{EntitySession, SessionCompleted}: {
		{"video call end time must be recorded", func(c *Context) bool { return c.CallEnded }},
	},
}

// Validate checks a requested transition. It is pure: the same inputs always
// produce the same verdict, and nothing is logged or emitted.
//
// A nil tctx skips precondition checks.
func Validate(entity EntityType, current, next State, tctx *Context) error {
	t, ok := tableFor(entity)
	if !ok {
		return &InvalidStateValueError{Entity: entity, Field: FieldEntity, Value: State(entity)}
	}
	allowed, ok := t[current]
	if !ok {
		return &InvalidStateValueError{Entity: entity, Field: FieldCurrent, Value: current}
	}
	if _, ok := t[next]; !ok {
		return &InvalidStateValueError{Entity: entity, Field: FieldNext, Value: next}
	}
	if current == next {
		return nil
	}
	if !contains(allowed, next) {
		out := make([]State, len(allowed))
		copy(out, allowed)
		return &InvalidTransitionError{Entity: entity, From: current, To: next, Allowed: out, Context: tctx}
	}
	if tctx == nil {
		return nil
	}
	for _, p := range preconditions[edge{entity, next}] {
		if !p.check(tctx) {
			return &PreconditionError{Entity: entity, From: current, To: next, Reason: p.reason, Context: tctx}
		}
	}
	return nil
}

// HasPrecondition reports whether moving into next declares a precondition.
func HasPrecondition(entity EntityType, next State) bool {
	return len(preconditions[edge{entity, next}]) > 0
}

func contains(states []State, s State) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}
