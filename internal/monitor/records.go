// Package monitor records every transition, rejected transition and recovery
// outcome of the flow engine and serves them to dashboards and alerting.
package monitor

import (
	"errors"
	"time"

	"github.com/wolfman30/teletherapy-platform/internal/flow"
	"github.com/wolfman30/teletherapy-platform/internal/recovery"
)

// Violation types.
const (
	ViolationInvalidState      = "invalid-state-value"
	ViolationInvalidTransition = "invalid-transition"
	ViolationPrecondition      = "precondition-not-met"
	ViolationIntegrityPrefix   = "integrity:"
	ViolationOther             = "other"
)

// Transition is an immutable log entry for an accepted state change.
type Transition struct {
	ID       string            `json:"id" dynamodbav:"id"`
	Entity   flow.EntityType   `json:"entity" dynamodbav:"entity"`
	EntityID string            `json:"entity_id" dynamodbav:"entityId"`
	From     flow.State        `json:"from" dynamodbav:"from"`
	To       flow.State        `json:"to" dynamodbav:"to"`
	Actor    string            `json:"actor,omitempty" dynamodbav:"actor,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty" dynamodbav:"metadata,omitempty"`
	At       time.Time         `json:"at" dynamodbav:"at"`
}

// Violation is an immutable log entry for a rejected transition or a detected
// integrity anomaly. Resolved is the only field that changes.
type Violation struct {
	ID       string            `json:"id" dynamodbav:"id"`
	Type     string            `json:"type" dynamodbav:"type"`
	Entity   flow.EntityType   `json:"entity" dynamodbav:"entity"`
	EntityID string            `json:"entity_id" dynamodbav:"entityId"`
	From     flow.State        `json:"from,omitempty" dynamodbav:"from,omitempty"`
	To       flow.State        `json:"to,omitempty" dynamodbav:"to,omitempty"`
	Reason   string            `json:"reason" dynamodbav:"reason"`
	Severity recovery.Severity `json:"severity" dynamodbav:"severity"`
	Actor    string            `json:"actor,omitempty" dynamodbav:"actor,omitempty"`
	At       time.Time         `json:"at" dynamodbav:"at"`
	Resolved bool              `json:"resolved" dynamodbav:"resolved"`
}

// Recovery is the log entry for a queued operation event.
type Recovery struct {
	ID          string                   `json:"id" dynamodbav:"id"`
	Queue       string                   `json:"queue" dynamodbav:"queue"`
	OperationID string                   `json:"operation_id" dynamodbav:"operationId"`
	Kind        string                   `json:"kind" dynamodbav:"kind"`
	Outcome     string                   `json:"outcome" dynamodbav:"outcome"`
	Attempts    int                      `json:"attempts" dynamodbav:"attempts"`
	Error       string                   `json:"error,omitempty" dynamodbav:"error,omitempty"`
	Status      recovery.OperationStatus `json:"status,omitempty" dynamodbav:"status,omitempty"`
	At          time.Time                `json:"at" dynamodbav:"at"`
}

// ViolationFromError classifies a validation error. Non-validation errors
// become ViolationOther.
func ViolationFromError(entity flow.EntityType, entityID string, from, to flow.State, actor string, err error) Violation {
	v := Violation{
		Entity:   entity,
		EntityID: entityID,
		From:     from,
		To:       to,
		Actor:    actor,
		Severity: recovery.SeverityWarning,
		Type:     ViolationOther,
	}
	if err != nil {
		v.Reason = err.Error()
	}

	var pre *flow.PreconditionError
	switch {
	case errors.As(err, &pre):
		v.Type = ViolationPrecondition
		v.Reason = pre.Reason
		v.Severity = recovery.SeverityInfo
	case errors.Is(err, flow.ErrInvalidStateValue):
		v.Type = ViolationInvalidState
	case errors.Is(err, flow.ErrInvalidTransition):
		v.Type = ViolationInvalidTransition
		if flow.IsTerminal(entity, from) {
			v.Severity = recovery.SeverityCritical
		}
	}
	return v
}

// IntegrityViolation describes a data consistency anomaly.
func IntegrityViolation(sessionID, kind string, status flow.State, detail string) Violation {
	return Violation{
		Type:     ViolationIntegrityPrefix + kind,
		Entity:   flow.EntitySession,
		EntityID: sessionID,
		From:     status,
		Reason:   detail,
		Severity: recovery.SeverityCritical,
		Actor:    "consistency-check",
	}
}

// Counters are lifetime totals, unaffected by pruning.
type Counters struct {
	Transitions      int64 `json:"transitions"`
	Violations       int64 `json:"violations"`
	Recoveries       int64 `json:"recoveries"`
	FailedRecoveries int64 `json:"failed_recoveries"`
	Queued           int64 `json:"queued"`
	Alerts           int64 `json:"alerts"`
}

// RecoveryRate is recovered / (recovered + failed). With no settled
// operations the rate is 1.
func (c Counters) RecoveryRate() float64 {
	settled := c.Recoveries + c.FailedRecoveries
	if settled == 0 {
		return 1
	}
	return float64(c.Recoveries) / float64(settled)
}
