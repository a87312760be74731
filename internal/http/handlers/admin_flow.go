package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/websocket"

	"github.com/wolfman30/teletherapy-platform/internal/compliance"
	"github.com/wolfman30/teletherapy-platform/internal/edgecases"
	"github.com/wolfman30/teletherapy-platform/internal/flow"
	"github.com/wolfman30/teletherapy-platform/internal/monitor"
	"github.com/wolfman30/teletherapy-platform/internal/recovery"
	"github.com/wolfman30/teletherapy-platform/internal/sessions"
)

// RegisterAdminRoutes mounts operator routes. The caller applies auth.
func (h *FlowHandler) RegisterAdminRoutes(r chi.Router) {
	r.Route("/flow", func(r chi.Router) {
		r.Get("/dashboard", h.Dashboard)
		r.Get("/stream", h.Stream)
		r.Get("/violations", h.ListViolations)
		r.Post("/violations/{violationID}/resolve", h.ResolveViolation)
		r.Get("/queues", h.Queues)
		r.Get("/queues/{queue}/failed", h.FailedOperations)
		r.Post("/queues/drain", h.DrainQueues)
		r.Post("/health/run", h.RunHealthCheck)
		r.Post("/consistency", h.ValidateConsistency)
		r.Post("/deletion-check", h.CheckDeletion)
		r.Post("/maintenance", h.Maintain)
		r.Get("/audit", h.AuditLog)
	})
	r.Post("/sessions/{sessionID}/waive-payment", h.WaivePayment)
}

// Dashboard returns the operator snapshot.
// GET /admin/flow/dashboard
func (h *FlowHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.DashboardSnapshot(r.Context()))
}

// ListViolations returns the newest violations.
// GET /admin/flow/violations?limit=
func (h *FlowHandler) ListViolations(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	writeJSON(w, http.StatusOK, map[string]any{
		"violations": h.engine.Monitor().RecentViolations(limit),
	})
}

// ResolveViolation marks a violation as handled.
// POST /admin/flow/violations/{violationID}/resolve
func (h *FlowHandler) ResolveViolation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "violationID")
	if !h.engine.Monitor().ResolveViolation(id) {
		jsonError(w, "violation not found", http.StatusNotFound)
		return
	}
	h.logger.Info("violation resolved", "violation_id", id, "admin", adminSubject(r))
	h.record(r, compliance.EventViolationResolved, adminSubject(r), "", "", map[string]string{"violation_id": id})
	writeJSON(w, http.StatusOK, map[string]any{"resolved": true, "id": id})
}

// Queues reports both recovery queues.
// GET /admin/flow/queues
func (h *FlowHandler) Queues(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.QueueStatus(r.Context())
	resp := map[string]any{"queues": st}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// FailedOperations lists the failed list of one queue.
// GET /admin/flow/queues/{queue}/failed?limit=
func (h *FlowHandler) FailedOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := h.engine.FailedOperations(r.Context(), chi.URLParam(r, "queue"), queryLimit(r, 100))
	if err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

// DrainQueues runs one drain pass on both queues.
// POST /admin/flow/queues/drain
func (h *FlowHandler) DrainQueues(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	ops, err := h.engine.DrainOperations(r.Context())
	if err != nil && !errors.Is(err, recovery.ErrDrainInProgress) {
		writeError(w, err)
		return
	}
	resp["operations"] = ops
	notes, err := h.engine.DrainNotifications(r.Context())
	if err != nil && !errors.Is(err, recovery.ErrDrainInProgress) {
		writeError(w, err)
		return
	}
	resp["notifications"] = notes
	h.record(r, compliance.EventQueuesDrained, adminSubject(r), "", "", resp)
	writeJSON(w, http.StatusOK, resp)
}

// RunHealthCheck checks dependencies now.
// POST /admin/flow/health/run
func (h *FlowHandler) RunHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.RunHealthCheck(r.Context()))
}

type consistencyRequest struct {
	ProviderID    string       `json:"provider_id,omitempty"`
	ClientID      string       `json:"client_id,omitempty"`
	ParticipantID string       `json:"participant_id,omitempty"`
	Statuses      []flow.State `json:"statuses,omitempty"`
	Limit         int          `json:"limit,omitempty"`
}

// ValidateConsistency scans sessions for contradictory state.
// POST /admin/flow/consistency
func (h *FlowHandler) ValidateConsistency(w http.ResponseWriter, r *http.Request) {
	var req consistencyRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	report, err := h.engine.ValidateConsistency(r.Context(), sessions.Query{
		ProviderID:    req.ProviderID,
		ClientID:      req.ClientID,
		ParticipantID: req.ParticipantID,
		Statuses:      req.Statuses,
		Limit:         req.Limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// CheckDeletion reports whether a session or participant can be erased.
// POST /admin/flow/deletion-check
func (h *FlowHandler) CheckDeletion(w http.ResponseWriter, r *http.Request) {
	var target edgecases.DeletionTarget
	if err := decodeJSON(w, r, &target); err != nil || (target.SessionID == "" && target.ParticipantID == "") {
		jsonError(w, "session_id or participant_id is required", http.StatusBadRequest)
		return
	}
	d, err := h.engine.CheckDeletionAllowed(r.Context(), target)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !d.Allowed {
		status = http.StatusConflict
	}
	writeJSON(w, status, d)
}

// Maintain runs one maintenance pass.
// POST /admin/flow/maintenance
func (h *FlowHandler) Maintain(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Maintain(r.Context())
	resp := map[string]any{"result": res}
	if err != nil {
		resp["error"] = err.Error()
	}
	h.record(r, compliance.EventMaintenanceRun, adminSubject(r), "", "", res)
	writeJSON(w, http.StatusOK, resp)
}

// WaivePayment releases a session from its payment precondition.
// POST /admin/sessions/{sessionID}/waive-payment
func (h *FlowHandler) WaivePayment(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	admin := adminSubject(r)
	s, out, err := h.engine.WaivePayment(r.Context(), sessionID, admin)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) || errors.Is(err, sessions.ErrUnavailable) {
			writeError(w, err)
			return
		}
		jsonError(w, err.Error(), http.StatusConflict)
		return
	}
	h.record(r, compliance.EventPaymentWaived, admin, sessionID, "", map[string]any{"amount_cents": s.PriceCents})
	writeJSON(w, statusForOutcome(http.StatusOK, out.Queued), map[string]any{"session": s, "persistence": out})
}

// streamMessage is one frame of the live monitor stream.
type streamMessage struct {
	Type      string             `json:"type"`
	Event     *monitor.Event     `json:"event,omitempty"`
	Dashboard *monitor.Dashboard `json:"dashboard,omitempty"`
}

// Stream pushes monitor events over a websocket, starting with a dashboard
// snapshot. Slow readers drop events rather than block the monitor.
// GET /admin/flow/stream
func (h *FlowHandler) Stream(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(func(conn *websocket.Conn) {
		h.serveStream(r.Context(), conn)
	}).ServeHTTP(w, r)
}

func (h *FlowHandler) serveStream(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan monitor.Event, 64)
	unsubscribe := h.engine.Monitor().Subscribe(func(evt monitor.Event) {
		select {
		case events <- evt:
		default:
		}
	})
	defer unsubscribe()

	// the client never sends; a read error means it went away
	go func() {
		defer cancel()
		var discard []byte
		for {
			if err := websocket.Message.Receive(conn, &discard); err != nil {
				return
			}
		}
	}()

	snapshot := h.engine.DashboardSnapshot(ctx)
	if err := websocket.JSON.Send(conn, streamMessage{Type: "dashboard", Dashboard: &snapshot}); err != nil {
		return
	}
	h.logger.Info("monitor stream opened", "remote", conn.Request().RemoteAddr)
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("monitor stream closed")
			return
		case evt := <-events:
			if err := websocket.JSON.Send(conn, streamMessage{Type: string(evt.Type), Event: &evt}); err != nil {
				return
			}
		}
	}
}

func queryLimit(r *http.Request, def int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return def
}
