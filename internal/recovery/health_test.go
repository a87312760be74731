package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/teletherapy-platform/internal/clock"
)

func okCheck(name string) Check {
	return NewCheck(name, func(context.Context) error { return nil })
}

func badCheck(name string) Check {
	return NewCheck(name, func(context.Context) error { return errors.New(name + " down") })
}

func TestAggregate(t *testing.T) {
	assert.Equal(t, HealthHealthy, Aggregate(0))
	assert.Equal(t, HealthDegraded, Aggregate(1))
	assert.Equal(t, HealthUnhealthy, Aggregate(2))
	assert.Equal(t, HealthUnhealthy, Aggregate(4))
}

func TestHealthCheckerRun(t *testing.T) {
	tests := []struct {
		name    string
		checks  []Check
		want    HealthStatus
		failing int
	}{
		{"all passing", []Check{okCheck("store"), okCheck("notify")}, HealthHealthy, 0},
		{"one failing", []Check{badCheck("store"), okCheck("notify")}, HealthDegraded, 1},
		{"two failing", []Check{badCheck("store"), badCheck("notify"), okCheck("queue")}, HealthUnhealthy, 2},
		{"no checks", nil, HealthHealthy, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker(time.Second, clock.NewFake(queueT), nil)
			h.Register(tt.checks...)
			report := h.Run(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Equal(t, tt.failing, report.Failing)
			assert.Len(t, report.Checks, len(tt.checks))
			assert.Equal(t, queueT, report.CheckedAt)
		})
	}
}

func TestHealthCheckerCachesLastReport(t *testing.T) {
	h := NewHealthChecker(time.Second, clock.NewFake(queueT), nil)
	_, ok := h.Last()
	assert.False(t, ok)

	h.Register(badCheck("store"))
	h.Run(context.Background())

	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, HealthDegraded, last.Status)
	require.Len(t, last.Checks, 1)
	assert.Equal(t, "store", last.Checks[0].Name)
	assert.Equal(t, "store down", last.Checks[0].Error)
}

func TestHealthCheckTimesOut(t *testing.T) {
	h := NewHealthChecker(10*time.Millisecond, nil, nil)
	h.Register(NewCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	report := h.Run(context.Background())
	assert.Equal(t, HealthDegraded, report.Status)
	assert.Contains(t, report.Checks[0].Error, "deadline exceeded")
}

func TestUnhealthyRunRaisesAlert(t *testing.T) {
	fc := clock.NewFake(queueT)
	sink := &recordingSink{}
	h := NewHealthChecker(time.Second, fc, nil).WithAlerter(NewAlerter(3, time.Minute, fc, nil, sink))
	h.Register(badCheck("store"), badCheck("notify"))

	h.Run(context.Background())
	h.Run(context.Background())

	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "store down", alerts[0].Details["store"])
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestPingCheck(t *testing.T) {
	c := PingCheck("postgres", pinger{err: errors.New("refused")})
	assert.Equal(t, "postgres", c.Name())
	assert.EqualError(t, c.Check(context.Background()), "refused")
}

func TestQueueDepthCheck(t *testing.T) {
	q, _, fc := newTestQueue(t)
	ctx := context.Background()
	check := QueueDepthCheck(q, 1, time.Hour, fc)
	assert.Equal(t, "queue:ops", check.Name())
	assert.NoError(t, check.Check(ctx))

	_, err := q.Enqueue(ctx, "a", nil, nil)
	require.NoError(t, err)
	assert.NoError(t, check.Check(ctx))

	fc.Advance(2 * time.Hour)
	assert.ErrorContains(t, check.Check(ctx), "oldest pending")

	_, err = q.Enqueue(ctx, "b", nil, nil)
	require.NoError(t, err)
	assert.ErrorContains(t, check.Check(ctx), "2 pending operations exceed 1")
}
