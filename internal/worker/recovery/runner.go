// Package recoveryworker runs the background loops that drain the recovery
// queues, check dependencies and prune old state.
package recoveryworker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/teletherapy-platform/internal/engine"
	"github.com/wolfman30/teletherapy-platform/internal/recovery"
	"github.com/wolfman30/teletherapy-platform/pkg/logging"
)

type flowEngine interface {
	DrainOperations(ctx context.Context) (recovery.DrainResult, error)
	DrainNotifications(ctx context.Context) (recovery.DrainResult, error)
	QueueStatus(ctx context.Context) ([]recovery.QueueStatus, error)
	RunHealthCheck(ctx context.Context) recovery.HealthReport
	Maintain(ctx context.Context) (engine.MaintenanceResult, error)
}

// Runner owns the recovery loops. Each loop runs once at start and then on
// its own interval until the context ends.
type Runner struct {
	engine              flowEngine
	logger              *logging.Logger
	drainInterval       time.Duration
	notifyInterval      time.Duration
	healthInterval      time.Duration
	maintenanceInterval time.Duration
}

func NewRunner(e flowEngine, logger *logging.Logger) *Runner {
	if e == nil {
		panic("recoveryworker: engine required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Runner{
		engine:              e,
		logger:              logger.WithComponent("recovery-worker"),
		drainInterval:       30 * time.Second,
		notifyInterval:      5 * time.Minute,
		healthInterval:      time.Minute,
		maintenanceInterval: 10 * time.Minute,
	}
}

func (r *Runner) WithDrainInterval(d time.Duration) *Runner {
	if d > 0 {
		r.drainInterval = d
	}
	return r
}

func (r *Runner) WithNotificationInterval(d time.Duration) *Runner {
	if d > 0 {
		r.notifyInterval = d
	}
	return r
}

func (r *Runner) WithHealthInterval(d time.Duration) *Runner {
	if d > 0 {
		r.healthInterval = d
	}
	return r
}

func (r *Runner) WithMaintenanceInterval(d time.Duration) *Runner {
	if d > 0 {
		r.maintenanceInterval = d
	}
	return r
}

// Run blocks until ctx is cancelled. It returns nil on cancellation.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("recovery worker started",
		"drain_interval", r.drainInterval,
		"notification_interval", r.notifyInterval,
		"health_interval", r.healthInterval,
		"maintenance_interval", r.maintenanceInterval,
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return every(ctx, r.drainInterval, r.drainOperations) })
	g.Go(func() error { return every(ctx, r.notifyInterval, r.drainNotifications) })
	g.Go(func() error { return every(ctx, r.healthInterval, r.checkHealth) })
	g.Go(func() error { return every(ctx, r.maintenanceInterval, r.maintain) })
	err := g.Wait()
	r.logger.Info("recovery worker stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (r *Runner) drainOperations(ctx context.Context) {
	res, err := r.engine.DrainOperations(ctx)
	r.logDrain("operations", res, err)
	if _, err := r.engine.QueueStatus(ctx); err != nil && ctx.Err() == nil {
		r.logger.Warn("queue status unavailable", "error", err)
	}
}

func (r *Runner) drainNotifications(ctx context.Context) {
	res, err := r.engine.DrainNotifications(ctx)
	r.logDrain("notifications", res, err)
}

func (r *Runner) logDrain(queue string, res recovery.DrainResult, err error) {
	switch {
	case err == nil:
		if res.Attempted > 0 {
			r.logger.Debug("drain pass", "queue", queue, "attempted", res.Attempted, "succeeded", res.Succeeded)
		}
	case errors.Is(err, recovery.ErrDrainInProgress), errors.Is(err, context.Canceled):
	default:
		r.logger.Error("drain failed", "queue", queue, "error", err)
	}
}

func (r *Runner) checkHealth(ctx context.Context) {
	report := r.engine.RunHealthCheck(ctx)
	if report.Status != recovery.HealthHealthy && ctx.Err() == nil {
		r.logger.Warn("health degraded", "status", report.Status, "failing", report.Failing)
	}
}

func (r *Runner) maintain(ctx context.Context) {
	res, err := r.engine.Maintain(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("maintenance failed", "error", err)
		}
		return
	}
	if res.PrunedRecords+res.SweptLocks+res.ClosedNoShows > 0 || res.PurgedSettled > 0 {
		r.logger.Info("maintenance pass", "pruned", res.PrunedRecords, "swept_locks", res.SweptLocks, "purged", res.PurgedSettled, "no_shows", res.ClosedNoShows)
	}
}
