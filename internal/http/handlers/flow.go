package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/teletherapy-platform/internal/compliance"
	"github.com/wolfman30/teletherapy-platform/internal/edgecases"
	"github.com/wolfman30/teletherapy-platform/internal/engine"
	"github.com/wolfman30/teletherapy-platform/internal/events"
	"github.com/wolfman30/teletherapy-platform/internal/flow"
	httpmiddleware "github.com/wolfman30/teletherapy-platform/internal/http/middleware"
	"github.com/wolfman30/teletherapy-platform/internal/recovery"
	"github.com/wolfman30/teletherapy-platform/internal/sessions"
	"github.com/wolfman30/teletherapy-platform/pkg/logging"
)

// FlowHandler exposes the flow engine over HTTP.
type FlowHandler struct {
	engine  *engine.Engine
	deduper events.Deduper
	audit   Auditor
	logger  *logging.Logger
}

// NewFlowHandler creates a handler around e.
func NewFlowHandler(e *engine.Engine, logger *logging.Logger) *FlowHandler {
	if e == nil {
		panic("handlers: flow engine required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &FlowHandler{engine: e, logger: logger}
}

// WithDeduper skips payment webhooks whose X-Event-Id was already applied.
func (h *FlowHandler) WithDeduper(d events.Deduper) *FlowHandler {
	h.deduper = d
	return h
}

// RegisterRoutes mounts the participant facing routes.
func (h *FlowHandler) RegisterRoutes(r chi.Router) {
	r.Get("/availability", h.CheckAvailability)
	r.Post("/transitions/validate", h.ValidateTransition)
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.BookSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/transitions", h.ListTransitions)
			r.Post("/transition", h.TransitionSession)
			r.Post("/payment", h.TransitionPayment)
			r.Post("/video", h.TransitionVideo)
			r.Post("/join", h.Join)
			r.Post("/overtime", h.RequestOvertime)
			r.Post("/overtime/approval", h.ApproveOvertime)
			r.Post("/cancel-in-progress", h.CancelInProgress)
			r.Post("/reschedule", h.Reschedule)
		})
	})
}

// Health serves the cached health report. It never calls dependencies.
// GET /health
func (h *FlowHandler) Health(w http.ResponseWriter, r *http.Request) {
	report, ok := h.engine.Health()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "starting"})
		return
	}
	status := http.StatusOK
	if report.Status == recovery.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// BookSession creates a session in the requested state.
// POST /v1/sessions
func (h *FlowHandler) BookSession(w http.ResponseWriter, r *http.Request) {
	var req engine.BookingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := h.engine.BookSession(r.Context(), req)
	if err != nil {
		h.logger.Warn("booking failed", "error", err, "provider_id", req.ProviderID)
		writeError(w, err)
		return
	}
	if !res.Booked {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, statusForOutcome(http.StatusCreated, res.Persistence.Queued), res)
}

// CheckAvailability reports conflicts and alternatives for a slot.
// GET /v1/availability?provider_id=&start=&duration_minutes=&exclude=
func (h *FlowHandler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	providerID := q.Get("provider_id")
	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if providerID == "" || err != nil {
		jsonError(w, "provider_id and an RFC 3339 start are required", http.StatusBadRequest)
		return
	}
	duration := 60
	if raw := q.Get("duration_minutes"); raw != "" {
		duration, err = strconv.Atoi(raw)
		if err != nil || duration <= 0 {
			jsonError(w, "duration_minutes must be a positive integer", http.StatusBadRequest)
			return
		}
	}
	d, err := h.engine.CheckAvailabilityConflict(r.Context(), providerID, start, duration, q.Get("exclude"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type validateRequest struct {
	Entity        flow.EntityType `json:"entity"`
	EntityID      string          `json:"entity_id"`
	From          flow.State      `json:"from"`
	To            flow.State      `json:"to"`
	Actor         string          `json:"actor"`
	PaymentStatus flow.State      `json:"payment_status,omitempty"`
	PaymentWaived bool            `json:"payment_waived,omitempty"`
	FormsComplete bool            `json:"forms_complete,omitempty"`
	CallEnded     bool            `json:"call_ended,omitempty"`
	SkipContext   bool            `json:"skip_context,omitempty"`
}

// ValidateTransition checks a move without applying it.
// POST /v1/transitions/validate
func (h *FlowHandler) ValidateTransition(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var tctx *flow.Context
	if !req.SkipContext {
		tctx = &flow.Context{
			PaymentStatus: req.PaymentStatus,
			PaymentWaived: req.PaymentWaived,
			FormsComplete: req.FormsComplete,
			CallEnded:     req.CallEnded,
			Actor:         req.Actor,
		}
	}
	if err := h.engine.ValidateTransition(r.Context(), req.Entity, req.EntityID, req.From, req.To, tctx, req.Actor); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

// ListTransitions returns the audit trail of a session.
// GET /v1/sessions/{sessionID}/transitions
func (h *FlowHandler) ListTransitions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":  id,
		"transitions": h.engine.Monitor().Transitions(id),
	})
}

type transitionRequest struct {
	To        flow.State `json:"to"`
	Actor     string     `json:"actor"`
	Reference string     `json:"reference,omitempty"`
}

func (h *FlowHandler) decodeTransition(w http.ResponseWriter, r *http.Request) (transitionRequest, bool) {
	var req transitionRequest
	if err := decodeJSON(w, r, &req); err != nil || req.To == "" {
		jsonError(w, "body must name the target state", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (h *FlowHandler) writeTransition(w http.ResponseWriter, res engine.TransitionResult, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, statusForOutcome(http.StatusOK, res.Persistence.Queued), res)
}

// TransitionSession moves the session state.
// POST /v1/sessions/{sessionID}/transition
func (h *FlowHandler) TransitionSession(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTransition(w, r)
	if !ok {
		return
	}
	res, err := h.engine.TransitionSession(r.Context(), chi.URLParam(r, "sessionID"), req.To, req.Actor)
	h.writeTransition(w, res, err)
}

// TransitionPayment moves the payment sub-state.
// POST /v1/sessions/{sessionID}/payment
func (h *FlowHandler) TransitionPayment(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTransition(w, r)
	if !ok {
		return
	}
	res, err := h.engine.TransitionPayment(r.Context(), chi.URLParam(r, "sessionID"), req.To, req.Actor, req.Reference)
	h.writeTransition(w, res, err)
}

// TransitionVideo moves the call sub-state.
// POST /v1/sessions/{sessionID}/video
func (h *FlowHandler) TransitionVideo(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTransition(w, r)
	if !ok {
		return
	}
	res, err := h.engine.TransitionVideo(r.Context(), chi.URLParam(r, "sessionID"), req.To, req.Actor)
	h.writeTransition(w, res, err)
}

type roleRequest struct {
	Role    sessions.Role `json:"role"`
	Approve bool          `json:"approve,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	Start   time.Time     `json:"start,omitempty"`
}

func decodeRole(w http.ResponseWriter, r *http.Request) (roleRequest, bool) {
	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if req.Role != sessions.RoleClient && req.Role != sessions.RoleProvider {
		jsonError(w, "role must be client or provider", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// Join records a participant joining the call.
// POST /v1/sessions/{sessionID}/join
func (h *FlowHandler) Join(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRole(w, r)
	if !ok {
		return
	}
	res, err := h.engine.HandleLateJoin(r.Context(), chi.URLParam(r, "sessionID"), req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Allowed {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

// RequestOvertime evaluates an extension.
// POST /v1/sessions/{sessionID}/overtime
func (h *FlowHandler) RequestOvertime(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRole(w, r)
	if !ok {
		return
	}
	res, err := h.engine.HandleOvertime(r.Context(), chi.URLParam(r, "sessionID"), req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.RequiresApproval {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// ApproveOvertime resolves a pending overtime request.
// POST /v1/sessions/{sessionID}/overtime/approval
func (h *FlowHandler) ApproveOvertime(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRole(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	res, err := h.engine.ApproveOvertime(r.Context(), sessionID, req.Role, req.Approve)
	if err != nil {
		writeError(w, err)
		return
	}
	h.record(r, compliance.EventOvertimeDecided, string(req.Role), sessionID, req.Reason, map[string]any{"approve": req.Approve})
	writeJSON(w, http.StatusOK, res)
}

// CancelInProgress ends a running session with a prorated refund.
// POST /v1/sessions/{sessionID}/cancel-in-progress
func (h *FlowHandler) CancelInProgress(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRole(w, r)
	if !ok {
		return
	}
	res, err := h.engine.HandleMidSessionCancellation(r.Context(), chi.URLParam(r, "sessionID"), req.Role, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Allowed {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

// Reschedule moves a session that has not started.
// POST /v1/sessions/{sessionID}/reschedule
func (h *FlowHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRole(w, r)
	if !ok {
		return
	}
	if req.Start.IsZero() {
		jsonError(w, "start is required", http.StatusBadRequest)
		return
	}
	res, err := h.engine.Reschedule(r.Context(), chi.URLParam(r, "sessionID"), req.Start, req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Allowed {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

// PaymentWebhook applies a payment gateway notification. Late and duplicate
// notifications are acknowledged with 200 so the gateway stops retrying.
// POST /webhooks/payments
func (h *FlowHandler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var n edgecases.PaymentNotification
	if err := decodeJSON(w, r, &n); err != nil || n.SessionID == "" || n.Status == "" {
		jsonError(w, "session_id and status are required", http.StatusBadRequest)
		return
	}
	provider := r.Header.Get("X-Payment-Provider")
	if provider == "" {
		provider = "gateway"
	}
	eventID := r.Header.Get("X-Event-Id")
	dedupe := h.deduper != nil && eventID != ""
	if dedupe {
		seen, err := h.deduper.AlreadyProcessed(r.Context(), provider, eventID)
		if err != nil {
			h.logger.Warn("webhook dedupe lookup failed", "error", err, "event_id", eventID)
		} else if seen {
			writeJSON(w, http.StatusOK, map[string]any{"duplicate": true, "event_id": eventID})
			return
		}
	}

	res, err := h.engine.HandlePaymentNotification(r.Context(), n)
	if err != nil {
		h.logger.Warn("payment notification rejected", "error", err, "session_id", n.SessionID, "reference", n.Reference)
		writeError(w, err)
		return
	}
	if dedupe {
		if _, err := h.deduper.MarkProcessed(r.Context(), provider, eventID); err != nil {
			h.logger.Warn("webhook dedupe record failed", "error", err, "event_id", eventID)
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func statusForOutcome(ok int, queued bool) int {
	if queued {
		return http.StatusAccepted
	}
	return ok
}

func adminSubject(r *http.Request) string {
	claims, ok := httpmiddleware.AdminClaimsFromContext(r.Context())
	if !ok || claims.Subject == "" {
		return "admin"
	}
	return claims.Subject
}
