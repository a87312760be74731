// Package compliance keeps the audit trail of operator overrides on
// therapy sessions.
package compliance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/teletherapy-platform/internal/clock"
)

// AuditEventType represents the type of audited action.
type AuditEventType string

const (
	// EventPaymentWaived is logged when an operator waives a session payment.
	EventPaymentWaived AuditEventType = "override.payment_waived"
	// EventViolationResolved is logged when an integrity violation is closed.
	EventViolationResolved AuditEventType = "override.violation_resolved"
	// EventOvertimeDecided is logged when overtime is approved or declined.
	EventOvertimeDecided AuditEventType = "override.overtime_decided"
	// EventQueuesDrained is logged on a manual recovery drain.
	EventQueuesDrained AuditEventType = "operations.queues_drained"
	// EventMaintenanceRun is logged on a manual maintenance pass.
	EventMaintenanceRun AuditEventType = "operations.maintenance_run"
)

// AuditEvent represents an immutable audit record.
type AuditEvent struct {
	ID        string          `json:"id"`
	EventType AuditEventType  `json:"event_type"`
	Actor     string          `json:"actor"`
	SessionID string          `json:"session_id,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditFilter specifies criteria for querying audit events.
type AuditFilter struct {
	Actor     string
	SessionID string
	EventType AuditEventType
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

// AuditService handles audit logging.
type AuditService struct {
	db    *sql.DB
	clock clock.Clock
}

// NewAuditService creates a new audit service.
func NewAuditService(db *sql.DB, c clock.Clock) *AuditService {
	if db == nil {
		panic("compliance: sql db required")
	}
	return &AuditService{db: db, clock: clock.OrSystem(c)}
}

// LogEvent records an audit event.
func (s *AuditService) LogEvent(ctx context.Context, event AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.clock.Now()
	}
	if len(event.Details) == 0 {
		event.Details = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO audit_events (
			id, event_type, actor, session_id, reason, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		string(event.EventType),
		event.Actor,
		nullString(event.SessionID),
		nullString(event.Reason),
		[]byte(event.Details),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("compliance: failed to log audit event: %w", err)
	}
	return nil
}

// Record is a convenience wrapper that marshals details.
func (s *AuditService) Record(ctx context.Context, eventType AuditEventType, actor, sessionID, reason string, details any) error {
	event := AuditEvent{
		EventType: eventType,
		Actor:     actor,
		SessionID: sessionID,
		Reason:    reason,
	}
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("compliance: encode details: %w", err)
		}
		event.Details = raw
	}
	return s.LogEvent(ctx, event)
}

// QueryEvents retrieves audit events with filters, newest first.
func (s *AuditService) QueryEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `
		SELECT id, event_type, actor, session_id, reason, details, created_at
		FROM audit_events
		WHERE 1 = 1
	`
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(cond, len(args))
	}
	if filter.Actor != "" {
		add(" AND actor = $%d", filter.Actor)
	}
	if filter.SessionID != "" {
		add(" AND session_id = $%d", filter.SessionID)
	}
	if filter.EventType != "" {
		add(" AND event_type = $%d", string(filter.EventType))
	}
	if !filter.StartTime.IsZero() {
		add(" AND created_at >= $%d", filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		add(" AND created_at <= $%d", filter.EndTime)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("compliance: failed to query audit events: %w", err)
	}
	defer rows.Close()

	events := make([]AuditEvent, 0)
	for rows.Next() {
		var (
			e                 AuditEvent
			eventType         string
			sessionID, reason sql.NullString
			details           []byte
		)
		if err := rows.Scan(&e.ID, &eventType, &e.Actor, &sessionID, &reason, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("compliance: failed to scan audit event: %w", err)
		}
		e.EventType = AuditEventType(eventType)
		e.SessionID = sessionID.String
		e.Reason = reason.String
		e.Details = details
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("compliance: failed to read audit events: %w", err)
	}
	return events, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
