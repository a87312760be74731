package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/wolfman30/teletherapy-platform/internal/compliance"
)

// Auditor records operator overrides.
type Auditor interface {
	Record(ctx context.Context, eventType compliance.AuditEventType, actor, sessionID, reason string, details any) error
	QueryEvents(ctx context.Context, filter compliance.AuditFilter) ([]compliance.AuditEvent, error)
}

// WithAuditor enables the audit trail for admin actions.
func (h *FlowHandler) WithAuditor(a Auditor) *FlowHandler {
	h.audit = a
	return h
}

// record writes an audit entry. Audit failures are logged, never surfaced:
// the action they describe already happened.
func (h *FlowHandler) record(r *http.Request, eventType compliance.AuditEventType, actor, sessionID, reason string, details any) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Record(r.Context(), eventType, actor, sessionID, reason, details); err != nil {
		h.logger.Error("audit write failed", "error", err, "event_type", eventType, "session_id", sessionID)
	}
}

// AuditLog lists audit entries.
// GET /admin/flow/audit?session_id=&actor=&type=&since=&limit=
func (h *FlowHandler) AuditLog(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		jsonError(w, "audit log not configured", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	filter := compliance.AuditFilter{
		SessionID: q.Get("session_id"),
		Actor:     q.Get("actor"),
		EventType: compliance.AuditEventType(q.Get("type")),
		Limit:     queryLimit(r, 100),
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			jsonError(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		filter.StartTime = since
	}
	events, err := h.audit.QueryEvents(r.Context(), filter)
	if err != nil {
		h.logger.Error("audit query failed", "error", err)
		jsonError(w, "audit query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
