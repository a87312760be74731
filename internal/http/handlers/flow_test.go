package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/wolfman30/teletherapy-platform/internal/clock"
	"github.com/wolfman30/teletherapy-platform/internal/edgecases"
	"github.com/wolfman30/teletherapy-platform/internal/engine"
	"github.com/wolfman30/teletherapy-platform/internal/events"
	"github.com/wolfman30/teletherapy-platform/internal/flow"
	"github.com/wolfman30/teletherapy-platform/internal/locks"
	"github.com/wolfman30/teletherapy-platform/internal/monitor"
	"github.com/wolfman30/teletherapy-platform/internal/notify"
	"github.com/wolfman30/teletherapy-platform/internal/recovery"
	"github.com/wolfman30/teletherapy-platform/internal/sessions"
	"github.com/wolfman30/teletherapy-platform/pkg/logging"
)

var handlerT = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type flowFixture struct {
	router  http.Handler
	handler *FlowHandler
	engine  *engine.Engine
	store   *sessions.InMemoryStore
	clock   *clock.Fake
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()
	fc := clock.NewFake(handlerT)
	store := sessions.NewInMemoryStore()
	mgr := locks.NewManager(locks.NewMemoryStore(fc), 30*time.Second, fc, nil)
	policy := recovery.DefaultPolicy()
	policy.Sleep = func(context.Context, time.Duration) error { return nil }
	qstore := recovery.NewMemoryQueueStore()
	ops := recovery.NewQueue("ops", qstore, fc, nil)
	e := engine.New(engine.Deps{
		Store:         store,
		Edges:         edgecases.NewHandler(store, mgr, edgecases.DefaultConfig(), fc, nil),
		Locks:         mgr,
		Guard:         recovery.NewGuard(policy, ops, nil),
		Notifications: recovery.NewNotificationQueue(qstore, notify.NewStubSender(nil), 0, fc, nil),
		Health:        recovery.NewHealthChecker(time.Second, fc, nil),
		Monitor:       monitor.New(fc, nil),
		Clock:         fc,
	})
	h := NewFlowHandler(e, logging.Default()).WithDeduper(events.NewMemoryStore(fc))
	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Post("/webhooks/payments", h.PaymentWebhook)
	r.Route("/v1", h.RegisterRoutes)
	r.Route("/admin", h.RegisterAdminRoutes)
	return &flowFixture{router: r, handler: h, engine: e, store: store, clock: fc}
}

func (f *flowFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *flowFixture) seed(t *testing.T, s *sessions.Session) {
	t.Helper()
	require.NoError(t, f.store.Save(context.Background(), s))
}

func TestBookSessionEndpoint(t *testing.T) {
	f := newFlowFixture(t)
	start := time.Date(2025, 3, 11, 10, 0, 0, 0, time.UTC)

	rec := f.do(t, http.MethodPost, "/v1/sessions", map[string]any{
		"client_id": "c-1", "provider_id": "p-1", "start": start, "duration_minutes": 60, "price_cents": 9000,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res engine.BookingResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	require.True(t, res.Booked)
	assert.Equal(t, flow.SessionRequested, res.Session.Status)

	again := f.do(t, http.MethodPost, "/v1/sessions", map[string]any{
		"client_id": "c-2", "provider_id": "p-1", "start": start, "duration_minutes": 60,
	})
	assert.Equal(t, http.StatusConflict, again.Code)
}

func TestBookSessionEndpointRejectsBadBody(t *testing.T) {
	f := newFlowFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/sessions", map[string]any{"unknown": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/sessions", map[string]any{
		"client_id": "c", "provider_id": "p", "start": handlerT.Add(-time.Hour), "duration_minutes": 60,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidTransitionReturnsConflictWithDetail(t *testing.T) {
	f := newFlowFixture(t)
	f.seed(t, sessions.New("s-1", "c-1", "p-1", handlerT.Add(24*time.Hour), 60, 9000, handlerT))

	rec := f.do(t, http.MethodPost, "/v1/sessions/s-1/transition", map[string]any{"to": "completed", "actor": "client"})
	require.Equal(t, http.StatusConflict, rec.Code)

	var body validationBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, flow.SessionRequested, body.From)
	assert.Equal(t, flow.SessionCompleted, body.To)
	assert.Contains(t, body.Allowed, flow.SessionApproved)
}

func TestPreconditionFailureReturnsUnprocessable(t *testing.T) {
	f := newFlowFixture(t)
	s := sessions.New("s-1", "c-1", "p-1", handlerT.Add(24*time.Hour), 60, 9000, handlerT)
	s.Status = flow.SessionPaid
	f.seed(t, s)

	rec := f.do(t, http.MethodPost, "/v1/sessions/s-1/transition", map[string]any{"to": "ready", "actor": "system"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body validationBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.NotEmpty(t, body.Precondition)
}

func TestTransitionUnknownSession(t *testing.T) {
	f := newFlowFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/sessions/nope/transition", map[string]any{"to": "approved"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransitionToCancelledDuringSessionNeedsCancellationEndpoint(t *testing.T) {
	f := newFlowFixture(t)
	s := sessions.New("s-1", "c-1", "p-1", handlerT, 60, 9000, handlerT.Add(-72*time.Hour))
	s.Status = flow.SessionInProgress
	f.seed(t, s)

	rec := f.do(t, http.MethodPost, "/v1/sessions/s-1/transition", map[string]any{"to": "cancelled-during-session", "actor": "client"})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	stored, err := f.store.FindByID(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, flow.SessionInProgress, stored.Status)
}

func TestLostWriteRaceMapsToConflict(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(sessions.ErrConflict))
}

func TestValidateEndpointNamesInvalidField(t *testing.T) {
	f := newFlowFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/transitions/validate", map[string]any{
		"entity": "session", "entity_id": "s-1", "from": "teleporting", "to": "approved",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body validationBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "current", body.Field)
	assert.Equal(t, "teleporting", body.Value)

	ok := f.do(t, http.MethodPost, "/v1/transitions/validate", map[string]any{
		"entity": "payment", "from": "pending", "to": "submitted", "skip_context": true,
	})
	assert.Equal(t, http.StatusOK, ok.Code)
}

func TestPaymentWebhookLateNotification(t *testing.T) {
	f := newFlowFixture(t)
	s := sessions.New("s-1", "c-1", "p-1", handlerT.Add(24*time.Hour), 60, 9000, handlerT)
	s.Status = flow.SessionCancelled
	f.seed(t, s)

	rec := f.do(t, http.MethodPost, "/webhooks/payments", map[string]any{
		"session_id": "s-1", "reference": "ch_1", "status": "confirmed", "amount_cents": 9000,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var res engine.PaymentResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, edgecases.PaymentLate, res.Outcome)
	assert.True(t, res.RefundRequired)

	bad := f.do(t, http.MethodPost, "/webhooks/payments", map[string]any{"reference": "x"})
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestPaymentWebhookSkipsRedeliveredEvent(t *testing.T) {
	f := newFlowFixture(t)
	f.seed(t, sessions.New("s-1", "c-1", "p-1", handlerT.Add(24*time.Hour), 60, 9000, handlerT))

	send := func() *httptest.ResponseRecorder {
		body := strings.NewReader(`{"session_id":"s-1","reference":"ch_1","status":"confirmed","amount_cents":9000}`)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", body)
		req.Header.Set("X-Event-Id", "evt-1")
		req.Header.Set("X-Payment-Provider", "stripe")
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	assert.NotContains(t, first.Body.String(), `"duplicate"`)

	second := send()
	require.Equal(t, http.StatusOK, second.Code)
	var dup map[string]any
	require.NoError(t, json.NewDecoder(second.Body).Decode(&dup))
	assert.Equal(t, true, dup["duplicate"])
	assert.Equal(t, "evt-1", dup["event_id"])
}

func TestJoinRequiresParticipantRole(t *testing.T) {
	f := newFlowFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/sessions/s-1/join", map[string]any{"role": "admin"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpointServesCachedReport(t *testing.T) {
	f := newFlowFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "starting")

	run := f.do(t, http.MethodPost, "/admin/flow/health/run", nil)
	require.Equal(t, http.StatusOK, run.Code)

	rec = f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report recovery.HealthReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, recovery.HealthHealthy, report.Status)
}

func TestAdminDashboardAndViolations(t *testing.T) {
	f := newFlowFixture(t)
	f.seed(t, sessions.New("s-1", "c-1", "p-1", handlerT.Add(24*time.Hour), 60, 9000, handlerT))
	f.do(t, http.MethodPost, "/v1/sessions/s-1/transition", map[string]any{"to": "completed"})

	rec := f.do(t, http.MethodGet, "/admin/flow/dashboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var dash monitor.Dashboard
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&dash))
	assert.EqualValues(t, 1, dash.Metrics.Violations)
	require.Len(t, dash.RecentViolations, 1)

	id := dash.RecentViolations[0].ID
	resolved := f.do(t, http.MethodPost, "/admin/flow/violations/"+id+"/resolve", nil)
	assert.Equal(t, http.StatusOK, resolved.Code)
	missing := f.do(t, http.MethodPost, "/admin/flow/violations/unknown/resolve", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestAdminDeletionCheck(t *testing.T) {
	f := newFlowFixture(t)
	s := sessions.New("s-1", "c-1", "p-1", handlerT.Add(24*time.Hour), 60, 9000, handlerT)
	s.Status = flow.SessionReady
	f.seed(t, s)

	rec := f.do(t, http.MethodPost, "/admin/flow/deletion-check", map[string]any{"participant_id": "c-1"})
	require.Equal(t, http.StatusConflict, rec.Code)
	var d edgecases.DeletionDecision
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&d))
	assert.False(t, d.Allowed)
	require.Len(t, d.BlockingSessions, 1)

	bad := f.do(t, http.MethodPost, "/admin/flow/deletion-check", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestAdminQueuesAndFailedList(t *testing.T) {
	f := newFlowFixture(t)
	rec := f.do(t, http.MethodGet, "/admin/flow/queues", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"notifications"`)

	unknown := f.do(t, http.MethodGet, "/admin/flow/queues/other/failed", nil)
	assert.Equal(t, http.StatusNotFound, unknown.Code)

	drain := f.do(t, http.MethodPost, "/admin/flow/queues/drain", nil)
	assert.Equal(t, http.StatusOK, drain.Code)
}

func TestWaivePaymentUsesAdminSubject(t *testing.T) {
	f := newFlowFixture(t)
	f.seed(t, sessions.New("s-1", "c-1", "p-1", handlerT.Add(24*time.Hour), 60, 9000, handlerT))

	rec := f.do(t, http.MethodPost, "/admin/sessions/s-1/waive-payment", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored, err := f.store.FindByID(context.Background(), "s-1")
	require.NoError(t, err)
	assert.True(t, stored.Payment.Waived)
	assert.Equal(t, "admin", stored.Payment.WaivedBy)
}

func TestStreamSendsSnapshotThenEvents(t *testing.T) {
	f := newFlowFixture(t)
	f.seed(t, sessions.New("s-1", "c-1", "p-1", handlerT.Add(24*time.Hour), 60, 9000, handlerT))
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/admin/flow/stream"
	conn, err := websocket.Dial(wsURL, "", srv.URL)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	var first streamMessage
	require.NoError(t, websocket.JSON.Receive(conn, &first))
	assert.Equal(t, "dashboard", first.Type)
	require.NotNil(t, first.Dashboard)

	// the snapshot is sent after subscribing, so this event is not missed
	_, err = f.engine.TransitionSession(context.Background(), "s-1", flow.SessionApproved, "provider")
	require.NoError(t, err)

	var next streamMessage
	require.NoError(t, websocket.JSON.Receive(conn, &next))
	assert.Equal(t, string(monitor.EventTransition), next.Type)
	require.NotNil(t, next.Event)
	require.NotNil(t, next.Event.Transition)
	assert.Equal(t, flow.SessionApproved, next.Event.Transition.To)
}
