// Package engine is the entry point request handlers call. It validates every
// state change, delegates non-trivial cases to the edge case handler,
// persists through the recovery guard and reports to the monitor.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/wolfman30/teletherapy-platform/internal/clock"
	"github.com/wolfman30/teletherapy-platform/internal/edgecases"
	"github.com/wolfman30/teletherapy-platform/internal/flow"
	"github.com/wolfman30/teletherapy-platform/internal/locks"
	"github.com/wolfman30/teletherapy-platform/internal/monitor"
	"github.com/wolfman30/teletherapy-platform/internal/notify"
	"github.com/wolfman30/teletherapy-platform/internal/observability/metrics"
	"github.com/wolfman30/teletherapy-platform/internal/recovery"
	"github.com/wolfman30/teletherapy-platform/internal/sessions"
	"github.com/wolfman30/teletherapy-platform/pkg/logging"
)

var tracer = otel.Tracer("teletherapy.internal.engine")

// KindSessionSave is the queue kind for deferred session writes.
const KindSessionSave = "session.save"

// Deps wires the engine. Store, Edges, Guard and Monitor are required; the
// guard must carry an operation queue.
type Deps struct {
	Store         sessions.Store
	Edges         *edgecases.Handler
	Locks         *locks.Manager
	Guard         *recovery.Guard
	Notifications *recovery.NotificationQueue
	Health        *recovery.HealthChecker
	Monitor       *monitor.Monitor
	Metrics       *metrics.FlowMetrics
	Clock         clock.Clock
	Logger        *logging.Logger

	// ProcessedEvents is purged of webhook ids older than SettledRetention.
	ProcessedEvents EventPurger

	// SettledRetention is how long failed and expired queue items are kept.
	SettledRetention time.Duration
}

// EventPurger drops processed webhook ids recorded before cutoff.
type EventPurger interface {
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// Engine coordinates the flow integrity components.
type Engine struct {
	store         sessions.Store
	edges         *edgecases.Handler
	locks         *locks.Manager
	guard         *recovery.Guard
	ops           *recovery.Queue
	notifications *recovery.NotificationQueue
	health        *recovery.HealthChecker
	monitor       *monitor.Monitor
	metrics       *metrics.FlowMetrics
	clock         clock.Clock
	logger        *logging.Logger
	retention     time.Duration
	processed     EventPurger
}

// New builds the engine and registers the session write executor on the
// guard's queue.
func New(d Deps) *Engine {
	if d.Store == nil {
		panic("engine: session store required")
	}
	if d.Edges == nil {
		panic("engine: edge case handler required")
	}
	if d.Guard == nil || d.Guard.Queue() == nil {
		panic("engine: recovery guard with queue required")
	}
	if d.Monitor == nil {
		panic("engine: monitor required")
	}
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	if d.SettledRetention <= 0 {
		d.SettledRetention = monitor.DefaultRetention
	}
	e := &Engine{
		store:         d.Store,
		edges:         d.Edges,
		locks:         d.Locks,
		guard:         d.Guard,
		ops:           d.Guard.Queue(),
		notifications: d.Notifications,
		health:        d.Health,
		monitor:       d.Monitor,
		metrics:       d.Metrics,
		clock:         clock.OrSystem(d.Clock),
		logger:        d.Logger.WithComponent("engine"),
		retention:     d.SettledRetention,
		processed:     d.ProcessedEvents,
	}
	e.ops.Register(KindSessionSave, e.replaySave)
	return e
}

// Monitor exposes the read model for dashboards.
func (e *Engine) Monitor() *monitor.Monitor { return e.monitor }

// Edges exposes the edge case handler configuration.
func (e *Engine) Edges() *edgecases.Handler { return e.edges }

// load reads a session, retrying only connectivity failures.
func (e *Engine) load(ctx context.Context, id string) (*sessions.Session, error) {
	p := e.guard.Policy()
	p.Retryable = sessions.IsUnavailable
	var s *sessions.Session
	err := recovery.Retry(ctx, p, func(ctx context.Context) error {
		found, err := e.store.FindByID(ctx, id)
		if err != nil {
			return err
		}
		s = found
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("engine: load session %s: %w", id, err)
	}
	return s, nil
}

// persist saves s under the guard. Only connectivity failures are retried
// and queued. A lost write race returns sessions.ErrConflict untouched so the
// caller can decide again on fresh state.
func (e *Engine) persist(ctx context.Context, s *sessions.Session) (recovery.Outcome, error) {
	snapshot := s.Clone()
	out, err := e.guard.Do(ctx, KindSessionSave, snapshot, func(ctx context.Context) error {
		return saveError(e.store.Save(ctx, snapshot))
	})
	if err != nil {
		return out, fmt.Errorf("engine: save session %s: %w", s.ID, err)
	}
	if out.Queued {
		// the replay stores the snapshot one version up
		s.Version = snapshot.Version + 1
	} else {
		s.Version = snapshot.Version
	}
	return out, nil
}

func saveError(err error) error {
	if err == nil || sessions.IsUnavailable(err) {
		return err
	}
	return recovery.Permanent(err)
}

// maxConflictRetries bounds how often an operation that lost a write race is
// decided again.
const maxConflictRetries = 3

// retryConflicts reruns fn while it loses write races. fn must load the
// session itself so every run validates against the current state.
func retryConflicts[T any](ctx context.Context, e *Engine, id string, fn func() (T, error)) (T, error) {
	for attempt := 1; ; attempt++ {
		res, err := fn()
		if !sessions.IsConflict(err) || attempt >= maxConflictRetries || ctx.Err() != nil {
			return res, err
		}
		e.logger.Info("session changed concurrently, deciding again", "session_id", id, "attempt", attempt)
	}
}

// replaySave is the queue executor for deferred writes. A snapshot whose
// version no longer matches the stored session was superseded and is dropped.
func (e *Engine) replaySave(ctx context.Context, op recovery.Operation) error {
	var snapshot sessions.Session
	if err := op.Decode(&snapshot); err != nil {
		return err
	}
	err := e.store.Save(ctx, &snapshot)
	if sessions.IsConflict(err) {
		e.logger.Warn("queued session write superseded", "session_id", snapshot.ID, "operation_id", op.ID)
		return nil
	}
	return saveError(err)
}

// validate runs the validator and records a violation on rejection.
func (e *Engine) validate(ctx context.Context, entity flow.EntityType, id string, from, to flow.State, tctx *flow.Context, actor string) error {
	err := flow.Validate(entity, from, to, tctx)
	if err != nil {
		e.monitor.RecordViolation(ctx, monitor.ViolationFromError(entity, id, from, to, actor, err))
	}
	return err
}

func (e *Engine) recordTransition(ctx context.Context, entity flow.EntityType, id string, from, to flow.State, actor string, meta map[string]string) {
	e.monitor.RecordTransition(ctx, monitor.Transition{
		Entity:   entity,
		EntityID: id,
		From:     from,
		To:       to,
		Actor:    actor,
		Metadata: meta,
	})
}

// notify delivers msg now or queues it. Delivery problems never fail the
// calling operation.
func (e *Engine) notify(ctx context.Context, msg notify.Message) {
	if e.notifications == nil || msg.To == "" {
		return
	}
	if _, err := e.notifications.SendOrQueue(ctx, msg); err != nil {
		e.logger.Error("notification rejected", "error", err, "kind", msg.Kind, "session_id", msg.SessionID)
	}
}

// observe records latency; errp is read when the deferred call runs.
func (e *Engine) observe(operation string, start time.Time, errp *error) {
	var err error
	if errp != nil {
		err = *errp
	}
	e.metrics.ObserveOperation(operation, err, time.Since(start).Seconds())
}
