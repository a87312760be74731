package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/teletherapy-platform/internal/clock"
	"github.com/wolfman30/teletherapy-platform/pkg/logging"
)

// ErrDrainInProgress is returned when a drain is requested while another is
// still running on the same queue.
var ErrDrainInProgress = errors.New("recovery: drain already in progress")

// OperationStatus is the lifecycle state of a queued operation.
type OperationStatus string

const (
	StatusPending OperationStatus = "pending"
	StatusFailed  OperationStatus = "failed"
	StatusExpired OperationStatus = "expired"
)

// Operation is a unit of deferred work with a snapshot of its intent.
// Attempts counts drain replays only.
type Operation struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Status     OperationStatus `json:"status"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Decode unmarshals the payload into v.
func (o Operation) Decode(v any) error {
	if err := json.Unmarshal(o.Payload, v); err != nil {
		return Permanent(fmt.Errorf("recovery: decode %s payload: %w", o.Kind, err))
	}
	return nil
}

// QueueStore persists operations. Failed holds both failed and expired
// operations.
type QueueStore interface {
	Add(ctx context.Context, op Operation) error
	Pending(ctx context.Context, queue string, limit int) ([]Operation, error)
	Failed(ctx context.Context, queue string, limit int) ([]Operation, error)
	Update(ctx context.Context, op Operation) error
	Remove(ctx context.Context, id string) error
	Counts(ctx context.Context, queue string) (QueueCounts, error)
}

// Purger is implemented by stores that can drop settled operations.
type Purger interface {
	PurgeSettled(ctx context.Context, queue string, cutoff time.Time) (int64, error)
}

// QueueCounts summarizes a queue.
type QueueCounts struct {
	Pending       int        `json:"pending"`
	Failed        int        `json:"failed"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// QueueStatus is reported on dashboards.
type QueueStatus struct {
	Name string `json:"name"`
	QueueCounts
}

// Executor replays one operation.
type Executor func(ctx context.Context, op Operation) error

// Event describes what happened to a queued operation.
type Event struct {
	Queue       string          `json:"queue"`
	OperationID string          `json:"operation_id"`
	Kind        string          `json:"kind"`
	Outcome     string          `json:"outcome"`
	Attempts    int             `json:"attempts"`
	Error       string          `json:"error,omitempty"`
	Status      OperationStatus `json:"status,omitempty"`
	At          time.Time       `json:"at"`
}

// Event outcomes.
const (
	OutcomeQueued    = "queued"
	OutcomeRecovered = "recovered"
	OutcomeRetrying  = "retrying"
	OutcomeFailed    = "failed"
	OutcomeExpired   = "expired"
)

// DrainResult counts what a drain pass did.
type DrainResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
	Expired   int `json:"expired"`
}

// Queue holds operations that could not complete immediately and replays them
// with registered executors. Only one drain runs at a time.
type Queue struct {
	name        string
	store       QueueStore
	clock       clock.Clock
	logger      *logging.Logger
	alerter     *Alerter
	maxAttempts int
	expiry      time.Duration
	batchSize   int

	mu        sync.RWMutex
	executors map[string]Executor
	observers []func(Event)

	draining atomic.Bool
}

// NewQueue creates a queue named name on store.
func NewQueue(name string, store QueueStore, c clock.Clock, logger *logging.Logger) *Queue {
	if store == nil {
		panic("recovery: queue store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Queue{
		name:        name,
		store:       store,
		clock:       clock.OrSystem(c),
		logger:      logger.WithComponent("queue." + name),
		maxAttempts: 5,
		batchSize:   100,
		executors:   make(map[string]Executor),
	}
}

func (q *Queue) WithMaxAttempts(n int) *Queue {
	if n > 0 {
		q.maxAttempts = n
	}
	return q
}

// WithExpiry abandons operations older than d. Zero keeps them until their
// attempt budget runs out.
func (q *Queue) WithExpiry(d time.Duration) *Queue {
	if d >= 0 {
		q.expiry = d
	}
	return q
}

func (q *Queue) WithBatchSize(n int) *Queue {
	if n > 0 {
		q.batchSize = n
	}
	return q
}

func (q *Queue) WithAlerter(a *Alerter) *Queue {
	q.alerter = a
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Register sets the executor for kind.
func (q *Queue) Register(kind string, exec Executor) {
	q.mu.Lock()
	q.executors[kind] = exec
	q.mu.Unlock()
}

// Observe adds a callback invoked for every operation event.
func (q *Queue) Observe(fn func(Event)) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.observers = append(q.observers, fn)
	q.mu.Unlock()
}

func (q *Queue) executor(kind string) (Executor, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	exec, ok := q.executors[kind]
	return exec, ok
}

func (q *Queue) emit(op Operation, outcome string) {
	q.mu.RLock()
	observers := append([]func(Event){}, q.observers...)
	q.mu.RUnlock()
	evt := Event{
		Queue:       q.name,
		OperationID: op.ID,
		Kind:        op.Kind,
		Outcome:     outcome,
		Attempts:    op.Attempts,
		Error:       op.LastError,
		Status:      op.Status,
		At:          q.clock.Now(),
	}
	for _, fn := range observers {
		fn(evt)
	}
}

// Enqueue stores a pending operation. The operation starts with the full
// drain budget; tries made before queuing do not count against it.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any, cause error) (Operation, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Operation{}, fmt.Errorf("recovery: encode %s payload: %w", kind, err)
	}
	now := q.clock.Now()
	op := Operation{
		ID:         uuid.NewString(),
		Queue:      q.name,
		Kind:       kind,
		Payload:    raw,
		Status:     StatusPending,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	if cause != nil {
		op.LastError = cause.Error()
	}
	if err := q.store.Add(ctx, op); err != nil {
		return Operation{}, fmt.Errorf("recovery: enqueue %s: %w", kind, err)
	}
	q.logger.Warn("operation queued", "operation_id", op.ID, "kind", kind, "error", op.LastError)
	q.emit(op, OutcomeQueued)
	return op, nil
}

// Drain attempts every pending operation once. Concurrent calls return
// ErrDrainInProgress.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{}, ErrDrainInProgress
	}
	defer q.draining.Store(false)

	var res DrainResult
	ops, err := q.store.Pending(ctx, q.name, q.batchSize)
	if err != nil {
		return res, fmt.Errorf("recovery: list pending %s: %w", q.name, err)
	}
	for _, op := range ops {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Attempted++
		switch q.process(ctx, op) {
		case OutcomeRecovered:
			res.Succeeded++
		case OutcomeRetrying:
			res.Retrying++
		case OutcomeFailed:
			res.Failed++
		case OutcomeExpired:
			res.Expired++
		}
	}
	if res.Attempted > 0 {
		q.logger.Info("queue drained", "attempted", res.Attempted, "succeeded", res.Succeeded, "retrying", res.Retrying, "failed", res.Failed, "expired", res.Expired)
	}
	return res, nil
}

func (q *Queue) process(ctx context.Context, op Operation) string {
	now := q.clock.Now()
	if q.expiry > 0 && now.Sub(op.EnqueuedAt) >= q.expiry {
		op.Status = StatusExpired
		op.UpdatedAt = now
		op.LastError = fmt.Sprintf("abandoned after %s", q.expiry)
		q.persist(ctx, op)
		q.logger.Warn("queued operation abandoned", "operation_id", op.ID, "kind", op.Kind, "age", now.Sub(op.EnqueuedAt))
		q.emit(op, OutcomeExpired)
		return OutcomeExpired
	}

	exec, ok := q.executor(op.Kind)
	var err error
	if !ok {
		err = Permanent(fmt.Errorf("no executor registered for %q", op.Kind))
	} else {
		err = exec(ctx, op)
	}
	op.Attempts++
	op.UpdatedAt = q.clock.Now()

	if err == nil {
		if rmErr := q.store.Remove(ctx, op.ID); rmErr != nil {
			q.logger.Error("remove completed operation failed", "error", rmErr, "operation_id", op.ID)
		}
		if q.alerter != nil {
			q.alerter.RecordSuccess(q.name + "." + op.Kind)
		}
		q.emit(op, OutcomeRecovered)
		return OutcomeRecovered
	}

	op.LastError = err.Error()
	if q.alerter != nil {
		q.alerter.RecordFailure(ctx, q.name+"."+op.Kind, err)
	}
	if !DefaultRetryable(err) || op.Attempts >= q.maxAttempts {
		op.Status = StatusFailed
		q.persist(ctx, op)
		q.logger.Error("queued operation failed permanently", "operation_id", op.ID, "kind", op.Kind, "attempts", op.Attempts, "error", err)
		if q.alerter != nil {
			q.alerter.Raise(ctx, Alert{
				Key:      "exhausted:" + q.name + "." + op.Kind,
				Kind:     q.name + "." + op.Kind,
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("%s operation %s moved to failed list after %d attempts", op.Kind, op.ID, op.Attempts),
				Details:  map[string]any{"operation_id": op.ID, "error": op.LastError},
			})
		}
		q.emit(op, OutcomeFailed)
		return OutcomeFailed
	}

	q.persist(ctx, op)
	q.emit(op, OutcomeRetrying)
	return OutcomeRetrying
}

func (q *Queue) persist(ctx context.Context, op Operation) {
	if err := q.store.Update(ctx, op); err != nil {
		q.logger.Error("update queued operation failed", "error", err, "operation_id", op.ID)
	}
}

// Status reports pending and failed counts and the oldest pending timestamp.
func (q *Queue) Status(ctx context.Context) (QueueStatus, error) {
	counts, err := q.store.Counts(ctx, q.name)
	if err != nil {
		return QueueStatus{Name: q.name}, fmt.Errorf("recovery: status %s: %w", q.name, err)
	}
	return QueueStatus{Name: q.name, QueueCounts: counts}, nil
}

// FailedOperations lists the permanent failed list.
func (q *Queue) FailedOperations(ctx context.Context, limit int) ([]Operation, error) {
	return q.store.Failed(ctx, q.name, limit)
}

// PurgeSettled drops failed and expired operations not touched within
// retention. Stores without purge support keep everything.
func (q *Queue) PurgeSettled(ctx context.Context, retention time.Duration) (int64, error) {
	p, ok := q.store.(Purger)
	if !ok || retention <= 0 {
		return 0, nil
	}
	n, err := p.PurgeSettled(ctx, q.name, q.clock.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("purged settled operations", "count", n)
	}
	return n, nil
}
