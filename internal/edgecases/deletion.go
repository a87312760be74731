package edgecases

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/teletherapy-platform/internal/flow"
	"github.com/wolfman30/teletherapy-platform/internal/sessions"
)

// Deletion recommendations.
const (
	RecommendWait         = "wait-until-complete"
	RecommendCancelRefund = "cancel-and-refund-first"
)

// DeletionTarget names either a session or a participant (client or
// provider) whose data would be erased.
type DeletionTarget struct {
	SessionID     string `json:"session_id,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
}

// BlockingSession is a session preventing deletion.
type BlockingSession struct {
	ID     string     `json:"id"`
	Status flow.State `json:"status"`
}

// DeletionDecision reports whether erasure may proceed.
type DeletionDecision struct {
	Allowed          bool              `json:"allowed"`
	Reason           string            `json:"reason,omitempty"`
	Recommendation   string            `json:"recommendation,omitempty"`
	BlockingSessions []BlockingSession `json:"blocking_sessions,omitempty"`
}

var upcomingPaid = []flow.State{flow.SessionPaid, flow.SessionFormsRequired, flow.SessionReady}

// EvaluateDeletion decides from the targeted sessions.
func EvaluateDeletion(targets []*sessions.Session) DeletionDecision {
	var (
		blocking   []BlockingSession
		inProgress bool
	)
	for _, s := range targets {
		switch {
		case s.Status == flow.SessionInProgress:
			inProgress = true
			blocking = append(blocking, BlockingSession{ID: s.ID, Status: s.Status})
		case hasState(upcomingPaid, s.Status):
			blocking = append(blocking, BlockingSession{ID: s.ID, Status: s.Status})
		}
	}
	if len(blocking) == 0 {
		return DeletionDecision{Allowed: true}
	}
	if inProgress {
		return DeletionDecision{
			Reason:           "a session is in progress",
			Recommendation:   RecommendWait,
			BlockingSessions: blocking,
		}
	}
	return DeletionDecision{
		Reason:           "an upcoming session is already paid",
		Recommendation:   RecommendCancelRefund,
		BlockingSessions: blocking,
	}
}

func hasState(states []flow.State, s flow.State) bool {
	for _, c := range states {
		if c == s {
			return true
		}
	}
	return false
}

// CheckDeletionAllowed guards erasure of a session or a participant.
func (h *Handler) CheckDeletionAllowed(ctx context.Context, target DeletionTarget) (DeletionDecision, error) {
	ctx, span := tracer.Start(ctx, "edgecases.deletion_check")
	defer span.End()

	var targets []*sessions.Session
	switch {
	case target.SessionID != "":
		span.SetAttributes(attribute.String("session.id", target.SessionID))
		s, err := h.store.FindByID(ctx, target.SessionID)
		if errors.Is(err, sessions.ErrNotFound) {
			return DeletionDecision{Allowed: true}, nil
		}
		if err != nil {
			span.RecordError(err)
			return DeletionDecision{}, fmt.Errorf("edgecases: load session: %w", err)
		}
		targets = []*sessions.Session{s}
	case target.ParticipantID != "":
		list, err := h.store.Find(ctx, sessions.Query{
			ParticipantID: target.ParticipantID,
			Statuses:      append([]flow.State{flow.SessionInProgress}, upcomingPaid...),
		})
		if err != nil {
			span.RecordError(err)
			return DeletionDecision{}, fmt.Errorf("edgecases: load participant sessions: %w", err)
		}
		targets = list
	default:
		return DeletionDecision{}, errors.New("edgecases: deletion target requires a session or participant id")
	}

	d := EvaluateDeletion(targets)
	span.SetAttributes(attribute.Bool("allowed", d.Allowed))
	if !d.Allowed {
		h.logger.Info("deletion blocked", "session_id", target.SessionID, "participant_id", target.ParticipantID, "recommendation", d.Recommendation)
	}
	return d, nil
}
