package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/teletherapy-platform/internal/clock"
	"github.com/wolfman30/teletherapy-platform/internal/compliance"
	appconfig "github.com/wolfman30/teletherapy-platform/internal/config"
	"github.com/wolfman30/teletherapy-platform/internal/edgecases"
	"github.com/wolfman30/teletherapy-platform/internal/engine"
	"github.com/wolfman30/teletherapy-platform/internal/events"
	"github.com/wolfman30/teletherapy-platform/internal/locks"
	"github.com/wolfman30/teletherapy-platform/internal/monitor"
	"github.com/wolfman30/teletherapy-platform/internal/notify"
	"github.com/wolfman30/teletherapy-platform/internal/observability/metrics"
	"github.com/wolfman30/teletherapy-platform/internal/recovery"
	recoveryworker "github.com/wolfman30/teletherapy-platform/internal/worker/recovery"
	"github.com/wolfman30/teletherapy-platform/pkg/logging"
)

// Resources are the external connections the flow engine may use. Every
// field is optional; missing backends fall back to in-process equivalents.
type Resources struct {
	Pool       *pgxpool.Pool
	QueueDB    *sql.DB
	Redis      *redis.Client
	AWS        *aws.Config
	Sender     notify.Sender
	Registerer prometheus.Registerer
	Clock      clock.Clock
}

// Flow is the assembled engine plus the pieces the API process exposes.
type Flow struct {
	Engine  *engine.Engine
	Monitor *monitor.Monitor
	Metrics *metrics.FlowMetrics
	Health  *recovery.HealthChecker
	Deduper events.Deduper
	Audit   *compliance.AuditService

	unsubscribe func()
}

// Close detaches the metrics subscriber and flushes the event archive.
func (f *Flow) Close() {
	if f == nil {
		return
	}
	if f.unsubscribe != nil {
		f.unsubscribe()
	}
	if f.Monitor != nil {
		f.Monitor.Close()
	}
}

// BuildFlow assembles the flow integrity engine from cfg and res.
func BuildFlow(ctx context.Context, cfg *appconfig.Config, res Resources, logger *logging.Logger) (*Flow, error) {
	if cfg == nil {
		return nil, errors.New("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	c := clock.OrSystem(res.Clock)

	store := BuildSessionStore(res.Pool, logger)
	lockMgr := locks.NewManager(BuildLockStore(res.Redis, c), cfg.BookingLockTTL, c, logger)

	qstore, err := BuildQueueStore(cfg.QueueStore, res.QueueDB)
	if err != nil {
		return nil, err
	}

	sender := res.Sender
	if sender == nil {
		sender = BuildSender(cfg, res.AWS, logger)
	}

	mon := monitor.New(c, logger).WithRetention(cfg.MonitorRetention)
	alerter := recovery.NewAlerter(cfg.AlertThreshold, cfg.AlertCooldown, c, logger.WithComponent("alerts"),
		recovery.LogSink{Logger: logger.WithComponent("alerts")}, mon)
	if email := recovery.NewEmailSink(sender, cfg.AlertEmails); email != nil {
		alerter.AddSink(email)
	}
	mon.WithAlerter(alerter)

	if res.AWS != nil && cfg.TransitionArchiveTable != "" {
		archiver := monitor.NewDynamoArchiver(dynamodb.NewFromConfig(*res.AWS), cfg.TransitionArchiveTable, cfg.TransitionArchiveTTL, logger)
		mon.WithArchiver(archiver)
		logger.Info("flow events archived to dynamodb", "table", cfg.TransitionArchiveTable)
	}

	policy := recovery.DefaultPolicy()
	if cfg.RetryMaxAttempts > 0 {
		policy.MaxAttempts = cfg.RetryMaxAttempts
	}
	if cfg.RetryBaseDelay > 0 {
		policy.BaseDelay = cfg.RetryBaseDelay
	}
	if cfg.RetryMaxDelay > 0 {
		policy.MaxDelay = cfg.RetryMaxDelay
	}
	if cfg.RetryMultiplier > 0 {
		policy.Multiplier = cfg.RetryMultiplier
	}
	if cfg.RetryAttemptTimeout > 0 {
		policy.AttemptTimeout = cfg.RetryAttemptTimeout
	}

	ops := recovery.NewQueue("operations", qstore, c, logger).
		WithMaxAttempts(cfg.QueueMaxAttempts).
		WithAlerter(alerter)
	notifications := recovery.NewNotificationQueue(qstore, sender, cfg.NotificationExpiry, c, logger)
	notifications.WithMaxAttempts(cfg.QueueMaxAttempts).WithAlerter(alerter)
	mon.TrackQueue(ops)
	mon.TrackQueue(notifications.Queue)

	health := recovery.NewHealthChecker(policy.AttemptTimeout, c, logger).WithAlerter(alerter)
	health.Register(
		recovery.QueueDepthCheck(ops, cfg.QueueDepthWarning, cfg.OperationDrainInterval*10, c),
		recovery.QueueDepthCheck(notifications.Queue, cfg.QueueDepthWarning, 0, c),
		mon.ViolationCheck(cfg.ViolationWarning, cfg.ViolationWindow),
	)
	if res.Pool != nil {
		health.Register(recovery.PingCheck("postgres", res.Pool))
	}
	if res.QueueDB != nil {
		health.Register(recovery.NewCheck("queue-db", res.QueueDB.PingContext))
	}
	if res.Redis != nil {
		health.Register(recovery.NewCheck("redis", func(ctx context.Context) error {
			return res.Redis.Ping(ctx).Err()
		}))
	}
	mon.WithHealth(health)

	reg := res.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	flowMetrics := metrics.NewFlowMetrics(reg)
	unsubscribe := mon.Subscribe(flowMetrics.ObserveEvent)

	edges := edgecases.NewHandler(store, lockMgr, edgecases.Config{
		LateJoinThreshold:        cfg.LateJoinThreshold,
		NoShowThreshold:          cfg.NoShowThreshold,
		OvertimeGrace:            cfg.OvertimeGrace,
		DefaultOvertimeRateCents: int64(cfg.DefaultOvertimeRateCents),
		AlternativeSlots:         cfg.AlternativeSlots,
		AlternativeSearchDays:    cfg.AlternativeSearchDays,
		BusinessHoursStart:       cfg.BusinessHoursStart,
		BusinessHoursEnd:         cfg.BusinessHoursEnd,
	}, c, logger)

	var deduper interface {
		events.Deduper
		engine.EventPurger
	} = events.NewMemoryStore(c)
	if res.Pool != nil {
		deduper = events.NewProcessedStore(res.Pool)
	}

	var audit *compliance.AuditService
	if res.QueueDB != nil {
		audit = compliance.NewAuditService(res.QueueDB, c)
	}

	e := engine.New(engine.Deps{
		Store:            store,
		Edges:            edges,
		Locks:            lockMgr,
		Guard:            recovery.NewGuard(policy, ops, logger),
		Notifications:    notifications,
		Health:           health,
		Monitor:          mon,
		Metrics:          flowMetrics,
		Clock:            c,
		Logger:           logger,
		ProcessedEvents:  deduper,
		SettledRetention: cfg.MonitorRetention,
	})

	if report := e.RunHealthCheck(ctx); report.Status != recovery.HealthHealthy {
		logger.Warn("flow engine starting degraded", "status", report.Status)
	}

	return &Flow{
		Engine:      e,
		Monitor:     mon,
		Metrics:     flowMetrics,
		Health:      health,
		Deduper:     deduper,
		Audit:       audit,
		unsubscribe: unsubscribe,
	}, nil
}

// String summarizes the configured backends for the startup log.
func (r Resources) String() string {
	return fmt.Sprintf("postgres=%t queue_db=%t redis=%t aws=%t",
		r.Pool != nil, r.QueueDB != nil, r.Redis != nil, r.AWS != nil)
}

// BuildRunner configures the recovery loops from cfg.
func BuildRunner(cfg *appconfig.Config, f *Flow, logger *logging.Logger) *recoveryworker.Runner {
	return recoveryworker.NewRunner(f.Engine, logger).
		WithDrainInterval(cfg.OperationDrainInterval).
		WithNotificationInterval(cfg.NotificationDrainInterval).
		WithHealthInterval(cfg.HealthCheckInterval).
		WithMaintenanceInterval(cfg.MaintenanceInterval)
}
