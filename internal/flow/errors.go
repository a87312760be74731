package flow

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidStateValue is returned when a state is not part of the entity's table.
	ErrInvalidStateValue = errors.New("flow: invalid state value")

	// ErrInvalidTransition is returned when the table does not allow the move.
	ErrInvalidTransition = errors.New("flow: invalid transition")

	// ErrPreconditionNotMet is returned when a declared cross-entity precondition fails.
	ErrPreconditionNotMet = errors.New("flow: precondition not met")
)

// Field identifies which input of a validation call was invalid.
type Field string

const (
	FieldEntity  Field = "entity"
	FieldCurrent Field = "current"
	FieldNext    Field = "next"
)

// InvalidStateValueError names the offending input.
type InvalidStateValueError struct {
	Entity EntityType
	Field  Field
	Value  State
}

func (e *InvalidStateValueError) Error() string {
	if e.Field == FieldEntity {
		return fmt.Sprintf("flow: unknown entity type %q", e.Value)
	}
	return fmt.Sprintf("flow: %s state %q is not a valid %s state", e.Field, e.Value, e.Entity)
}

func (e *InvalidStateValueError) Is(target error) bool { return target == ErrInvalidStateValue }

// InvalidTransitionError carries the rejected move and the caller's context.
type InvalidTransitionError struct {
	Entity  EntityType
	From    State
	To      State
	Allowed []State
	Context *Context
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("flow: %s cannot move from %q to %q (allowed: %v)", e.Entity, e.From, e.To, e.Allowed)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// PreconditionError reports the first failed precondition of an otherwise
// legal transition.
type PreconditionError struct {
	Entity  EntityType
	From    State
	To      State
	Reason  string
	Context *Context
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("flow: %s %q -> %q: %s", e.Entity, e.From, e.To, e.Reason)
}

func (e *PreconditionError) Is(target error) bool { return target == ErrPreconditionNotMet }

// IsValidationError reports whether err is caller-correctable and must never
// be retried.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidStateValue) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrPreconditionNotMet)
}
