package monitor

import (
	"context"
	"time"

	"github.com/wolfman30/teletherapy-platform/internal/recovery"
)

// Metrics is the counter block of the dashboard.
type Metrics struct {
	Counters
	RecoveryRate float64 `json:"recovery_rate"`
}

// Dashboard is a point-in-time snapshot for operators.
type Dashboard struct {
	GeneratedAt      time.Time              `json:"generated_at"`
	Health           *recovery.HealthReport `json:"health,omitempty"`
	Metrics          Metrics                `json:"metrics"`
	ViolationsByType []TypeCount            `json:"violations_by_type"`
	RecentViolations []Violation            `json:"recent_violations"`
	RecentRecoveries []Recovery             `json:"recent_recoveries"`
	RecentAlerts     []recovery.Alert       `json:"recent_alerts"`
	Queues           []recovery.QueueStatus `json:"queues"`
	QueueErrors      map[string]string      `json:"queue_errors,omitempty"`
}

// Dashboard builds a snapshot. Health is the cached report; queue status is
// read from each tracked queue's store.
func (m *Monitor) Dashboard(ctx context.Context) Dashboard {
	counters := m.Counters()
	d := Dashboard{
		GeneratedAt:      m.clock.Now(),
		Metrics:          Metrics{Counters: counters, RecoveryRate: counters.RecoveryRate()},
		ViolationsByType: m.SortedViolationsByType(24 * time.Hour),
		RecentViolations: m.RecentViolations(m.recentLimit),
		RecentRecoveries: m.RecentRecoveries(m.recentLimit),
		RecentAlerts:     m.RecentAlerts(m.recentLimit),
		Queues:           make([]recovery.QueueStatus, 0),
	}
	if m.health != nil {
		if report, ok := m.health.Last(); ok {
			d.Health = &report
		}
	}

	m.mu.RLock()
	queues := append([]*recovery.Queue(nil), m.queues...)
	m.mu.RUnlock()
	for _, q := range queues {
		st, err := q.Status(ctx)
		if err != nil {
			if d.QueueErrors == nil {
				d.QueueErrors = make(map[string]string)
			}
			d.QueueErrors[q.Name()] = err.Error()
			continue
		}
		d.Queues = append(d.Queues, st)
	}
	return d
}
