package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/teletherapy-platform/internal/clock"
	"github.com/wolfman30/teletherapy-platform/pkg/logging"
)

// HealthStatus is the aggregate verdict of a health run.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Check is one component health check. A nil error means the component is healthy.
type Check interface {
	Name() string
	Check(ctx context.Context) error
}

type checkFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (c checkFunc) Name() string                    { return c.name }
func (c checkFunc) Check(ctx context.Context) error { return c.fn(ctx) }

// NewCheck adapts fn to Check.
func NewCheck(name string, fn func(ctx context.Context) error) Check {
	return checkFunc{name: name, fn: fn}
}

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// HealthReport is the cached result of the last run.
type HealthReport struct {
	Status    HealthStatus  `json:"status"`
	Failing   int           `json:"failing"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Aggregate maps the number of failing checks to a status.
func Aggregate(failing int) HealthStatus {
	switch {
	case failing <= 0:
		return HealthHealthy
	case failing == 1:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// HealthChecker runs registered checks concurrently and caches the report.
type HealthChecker struct {
	timeout time.Duration
	clock   clock.Clock
	logger  *logging.Logger
	alerter *Alerter

	mu     sync.RWMutex
	checks []Check
	last   *HealthReport
}

// NewHealthChecker bounds each check by timeout (default five seconds).
func NewHealthChecker(timeout time.Duration, c clock.Clock, logger *logging.Logger) *HealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &HealthChecker{
		timeout: timeout,
		clock:   clock.OrSystem(c),
		logger:  logger.WithComponent("health"),
	}
}

// WithAlerter raises an alert whenever a run is unhealthy.
func (h *HealthChecker) WithAlerter(a *Alerter) *HealthChecker {
	h.alerter = a
	return h
}

// Register adds a check.
func (h *HealthChecker) Register(checks ...Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range checks {
		if c != nil {
			h.checks = append(h.checks, c)
		}
	}
}

// Run executes every check and stores the report.
func (h *HealthChecker) Run(ctx context.Context) HealthReport {
	h.mu.RLock()
	checks := append([]Check(nil), h.checks...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range checks {
		i, c := i, c
		g.Go(func() error {
			results[i] = h.runOne(gctx, c)
			return nil
		})
	}
	_ = g.Wait()

	report := HealthReport{Checks: results, CheckedAt: h.clock.Now()}
	for _, r := range results {
		if !r.Healthy {
			report.Failing++
			h.logger.Warn("health check failed", "check", r.Name, "error", r.Error)
		}
	}
	report.Status = Aggregate(report.Failing)

	h.mu.Lock()
	h.last = &report
	h.mu.Unlock()

	if report.Status == HealthUnhealthy && h.alerter != nil {
		h.alerter.Raise(ctx, Alert{
			Key:      "health:unhealthy",
			Kind:     "health",
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("%d health checks failing", report.Failing),
			Count:    report.Failing,
			Details:  failingDetails(results),
		})
	}
	return report
}

func (h *HealthChecker) runOne(ctx context.Context, c Check) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := c.Check(checkCtx)
	res := CheckResult{Name: c.Name(), Healthy: err == nil, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// Last returns the cached report. ok is false before the first run.
func (h *HealthChecker) Last() (HealthReport, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.last == nil {
		return HealthReport{}, false
	}
	return *h.last, true
}

func failingDetails(results []CheckResult) map[string]any {
	out := make(map[string]any)
	for _, r := range results {
		if !r.Healthy {
			out[r.Name] = r.Error
		}
	}
	return out
}

// PingCheck checks anything with a Ping method.
func PingCheck(name string, p interface{ Ping(context.Context) error }) Check {
	return NewCheck(name, p.Ping)
}

// QueueDepthCheck fails when the queue holds more than maxPending items or
// its oldest pending item is older than maxAge. Zero limits are ignored.
func QueueDepthCheck(q *Queue, maxPending int, maxAge time.Duration, c clock.Clock) Check {
	c = clock.OrSystem(c)
	return NewCheck("queue:"+q.Name(), func(ctx context.Context) error {
		st, err := q.Status(ctx)
		if err != nil {
			return err
		}
		if maxPending > 0 && st.Pending > maxPending {
			return fmt.Errorf("%d pending operations exceed %d", st.Pending, maxPending)
		}
		if maxAge > 0 && st.OldestPending != nil {
			if age := c.Now().Sub(*st.OldestPending); age > maxAge {
				return fmt.Errorf("oldest pending operation is %s old", age.Round(time.Second))
			}
		}
		return nil
	})
}
