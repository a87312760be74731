package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wolfman30/teletherapy-platform/internal/engine"
	"github.com/wolfman30/teletherapy-platform/internal/flow"
	"github.com/wolfman30/teletherapy-platform/internal/sessions"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusFor maps engine and validator errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, flow.ErrInvalidStateValue), errors.Is(err, engine.ErrInvalidBooking):
		return http.StatusBadRequest
	case errors.Is(err, flow.ErrInvalidTransition), errors.Is(err, sessions.ErrConflict),
		errors.Is(err, engine.ErrMidSessionCancellationRequired):
		return http.StatusConflict
	case errors.Is(err, flow.ErrPreconditionNotMet):
		return http.StatusUnprocessableEntity
	case errors.Is(err, sessions.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// validationBody carries the structured validator error alongside the
// message so clients can react to the failing field or precondition.
type validationBody struct {
	Error        string       `json:"error"`
	Entity       string       `json:"entity,omitempty"`
	From         flow.State   `json:"from,omitempty"`
	To           flow.State   `json:"to,omitempty"`
	Field        string       `json:"field,omitempty"`
	Value        string       `json:"value,omitempty"`
	Allowed      []flow.State `json:"allowed,omitempty"`
	Precondition string       `json:"precondition,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := validationBody{Error: err.Error()}
	var (
		ise *flow.InvalidStateValueError
		ite *flow.InvalidTransitionError
		pre *flow.PreconditionError
	)
	switch {
	case errors.As(err, &ise):
		body.Entity = string(ise.Entity)
		body.Field = string(ise.Field)
		body.Value = string(ise.Value)
	case errors.As(err, &ite):
		body.Entity = string(ite.Entity)
		body.From = ite.From
		body.To = ite.To
		body.Allowed = ite.Allowed
	case errors.As(err, &pre):
		body.Entity = string(pre.Entity)
		body.From = pre.From
		body.To = pre.To
		body.Precondition = pre.Reason
	}
	if status == http.StatusInternalServerError {
		body = validationBody{Error: "internal error"}
	}
	writeJSON(w, status, body)
}
