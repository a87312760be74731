package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfman30/teletherapy-platform/internal/monitor"
	"github.com/wolfman30/teletherapy-platform/internal/notify"
	"github.com/wolfman30/teletherapy-platform/internal/recovery"
)

// ErrNoNotificationQueue is returned when notifications were not configured.
var ErrNoNotificationQueue = errors.New("engine: notification queue not configured")

// WithRetry runs op under the guard's retry policy without queueing.
func (e *Engine) WithRetry(ctx context.Context, op func(ctx context.Context) error) error {
	return recovery.Retry(ctx, e.guard.Policy(), op)
}

// EnqueueOperation defers an operation for a later drain. kind must have a
// registered executor by the time the queue drains.
func (e *Engine) EnqueueOperation(ctx context.Context, kind string, payload any, cause error) (recovery.Operation, error) {
	return e.ops.Enqueue(ctx, kind, payload, cause)
}

// RegisterExecutor adds a replay function for kind on the operation queue.
func (e *Engine) RegisterExecutor(kind string, exec recovery.Executor) {
	e.ops.Register(kind, exec)
}

// EnqueueNotification queues a message for delivery on the next drain.
func (e *Engine) EnqueueNotification(ctx context.Context, msg notify.Message) (recovery.Operation, error) {
	if e.notifications == nil {
		return recovery.Operation{}, ErrNoNotificationQueue
	}
	return e.notifications.EnqueueMessage(ctx, msg, nil)
}

// DrainOperations replays pending operations once.
func (e *Engine) DrainOperations(ctx context.Context) (recovery.DrainResult, error) {
	return e.ops.Drain(ctx)
}

// DrainNotifications retries queued notifications once.
func (e *Engine) DrainNotifications(ctx context.Context) (recovery.DrainResult, error) {
	if e.notifications == nil {
		return recovery.DrainResult{}, nil
	}
	return e.notifications.Drain(ctx)
}

// QueueStatus reports both queues. A queue whose store cannot be read is
// skipped and the error returned alongside what could be read.
func (e *Engine) QueueStatus(ctx context.Context) ([]recovery.QueueStatus, error) {
	queues := []*recovery.Queue{e.ops}
	if e.notifications != nil {
		queues = append(queues, e.notifications.Queue)
	}
	out := make([]recovery.QueueStatus, 0, len(queues))
	var errs []error
	for _, q := range queues {
		st, err := q.Status(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		e.metrics.ObserveQueue(st)
		out = append(out, st)
	}
	return out, errors.Join(errs...)
}

// FailedOperations lists operations that exhausted their attempts on the
// named queue.
func (e *Engine) FailedOperations(ctx context.Context, queue string, limit int) ([]recovery.Operation, error) {
	switch {
	case queue == e.ops.Name():
		return e.ops.FailedOperations(ctx, limit)
	case e.notifications != nil && queue == e.notifications.Name():
		return e.notifications.FailedOperations(ctx, limit)
	default:
		return nil, fmt.Errorf("engine: unknown queue %q", queue)
	}
}

// RunHealthCheck checks every registered dependency.
func (e *Engine) RunHealthCheck(ctx context.Context) recovery.HealthReport {
	if e.health == nil {
		return recovery.HealthReport{Status: recovery.HealthHealthy, CheckedAt: e.clock.Now(), Checks: []recovery.CheckResult{}}
	}
	report := e.health.Run(ctx)
	e.metrics.ObserveHealth(report)
	return report
}

// Health returns the last health report without probing. ok is false until
// the first check has run.
func (e *Engine) Health() (recovery.HealthReport, bool) {
	if e.health == nil {
		return recovery.HealthReport{}, false
	}
	return e.health.Last()
}

// DashboardSnapshot builds the operator dashboard.
func (e *Engine) DashboardSnapshot(ctx context.Context) monitor.Dashboard {
	return e.monitor.Dashboard(ctx)
}

// MaintenanceResult counts what one maintenance pass removed or closed.
type MaintenanceResult struct {
	PrunedRecords int   `json:"pruned_records"`
	SweptLocks    int   `json:"swept_locks"`
	PurgedSettled int64 `json:"purged_settled"`
	ClosedNoShows int   `json:"closed_no_shows"`
	PurgedEvents  int64 `json:"purged_events"`
}

// Maintain prunes the monitor log and processed webhook ids, sweeps expired
// locks, purges settled queue items and closes no-shows. Every step runs; errors are joined.
func (e *Engine) Maintain(ctx context.Context) (MaintenanceResult, error) {
	ctx, span := tracer.Start(ctx, "engine.maintain")
	defer span.End()

	var (
		res  MaintenanceResult
		errs []error
	)
	res.PrunedRecords = e.monitor.Prune()
	if e.locks != nil {
		n, err := e.locks.Sweep(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep locks: %w", err))
		}
		res.SweptLocks = n
	}
	n, err := e.ops.PurgeSettled(ctx, e.retention)
	if err != nil {
		errs = append(errs, fmt.Errorf("purge operations: %w", err))
	}
	res.PurgedSettled += n
	if e.notifications != nil {
		n, err := e.notifications.PurgeSettled(ctx, e.retention)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge notifications: %w", err))
		}
		res.PurgedSettled += n
	}
	if e.processed != nil {
		n, err := e.processed.Purge(ctx, e.clock.Now().Add(-e.retention))
		if err != nil {
			errs = append(errs, fmt.Errorf("purge processed events: %w", err))
		}
		res.PurgedEvents = n
	}
	closed, err := e.DetectNoShows(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	res.ClosedNoShows = closed

	err = errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		e.logger.Error("maintenance incomplete", "error", err)
	}
	return res, err
}
