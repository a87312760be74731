package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/teletherapy-platform/internal/clock"
	"github.com/wolfman30/teletherapy-platform/internal/recovery"
	"github.com/wolfman30/teletherapy-platform/pkg/logging"
)

// DefaultRetention is how long records stay in memory.
const DefaultRetention = 72 * time.Hour

// EventType tags an Event.
type EventType string

const (
	EventTransition EventType = "transition"
	EventViolation  EventType = "violation"
	EventRecovery   EventType = "recovery"
	EventAlert      EventType = "alert"
)

// Event is delivered to subscribers. Exactly one payload field is set.
type Event struct {
	Type       EventType       `json:"type"`
	Transition *Transition     `json:"transition,omitempty"`
	Violation  *Violation      `json:"violation,omitempty"`
	Recovery   *Recovery       `json:"recovery,omitempty"`
	Alert      *recovery.Alert `json:"alert,omitempty"`
}

// Archiver persists events beyond the in-memory window.
type Archiver interface {
	Archive(ctx context.Context, evt Event) error
}

// Monitor is the event sink and read model of the flow engine. It is safe for
// concurrent use.
type Monitor struct {
	retention   time.Duration
	recentLimit int
	clock       clock.Clock
	logger      *logging.Logger
	alerter     *recovery.Alerter
	archive     *archiveQueue
	health      *recovery.HealthChecker

	mu          sync.RWMutex
	transitions []Transition
	violations  []Violation
	recoveries  []Recovery
	alerts      []recovery.Alert
	counters    Counters
	queues      []*recovery.Queue
	subscribers map[uint64]func(Event)
	nextSub     uint64
}

// New creates a Monitor with the default 72 hour retention.
func New(c clock.Clock, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Monitor{
		retention:   DefaultRetention,
		recentLimit: 20,
		clock:       clock.OrSystem(c),
		logger:      logger.WithComponent("monitor"),
		subscribers: make(map[uint64]func(Event)),
	}
}

func (m *Monitor) WithRetention(d time.Duration) *Monitor {
	if d > 0 {
		m.retention = d
	}
	return m
}

// WithRecentLimit bounds the recent lists on the dashboard.
func (m *Monitor) WithRecentLimit(n int) *Monitor {
	if n > 0 {
		m.recentLimit = n
	}
	return m
}

// WithAlerter routes critical violations and failed recoveries to a.
func (m *Monitor) WithAlerter(a *recovery.Alerter) *Monitor {
	m.alerter = a
	return m
}

// WithArchiver archives every event in the background through a buffer of
// DefaultArchiveBuffer events. Close flushes it.
func (m *Monitor) WithArchiver(a Archiver) *Monitor {
	return m.WithArchiverBuffer(a, DefaultArchiveBuffer)
}

func (m *Monitor) WithArchiverBuffer(a Archiver, size int) *Monitor {
	if m.archive != nil {
		m.archive.close()
		m.archive = nil
	}
	if a != nil {
		m.archive = newArchiveQueue(a, size, m.logger)
	}
	return m
}

// Close waits for queued events to reach the archiver. Later events are not
// archived.
func (m *Monitor) Close() {
	if m.archive != nil {
		m.archive.close()
	}
}

// WithHealth attaches the checker whose cached report the dashboard shows.
func (m *Monitor) WithHealth(h *recovery.HealthChecker) *Monitor {
	m.health = h
	return m
}

// TrackQueue observes q and lists it on the dashboard.
func (m *Monitor) TrackQueue(q *recovery.Queue) {
	if q == nil {
		return
	}
	m.mu.Lock()
	m.queues = append(m.queues, q)
	m.mu.Unlock()
	q.Observe(func(evt recovery.Event) {
		m.RecordRecovery(context.Background(), evt)
	})
}

// Subscribe registers fn for every event. The returned func removes it.
func (m *Monitor) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) publish(ctx context.Context, evt Event) {
	m.mu.RLock()
	subs := make([]func(Event), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.RUnlock()
	for _, fn := range subs {
		fn(evt)
	}
	if m.archive != nil {
		m.archive.offer(evt)
	}
}

// RecordTransition logs an accepted transition.
func (m *Monitor) RecordTransition(ctx context.Context, t Transition) Transition {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.At.IsZero() {
		t.At = m.clock.Now()
	}
	m.mu.Lock()
	m.transitions = append(m.transitions, t)
	m.counters.Transitions++
	m.mu.Unlock()

	m.logger.Debug("transition recorded", "entity", t.Entity, "entity_id", t.EntityID, "from", t.From, "to", t.To, "actor", t.Actor)
	m.publish(ctx, Event{Type: EventTransition, Transition: &t})
	return t
}

// RecordViolation logs a rejected transition or anomaly. Critical violations
// raise an alert.
func (m *Monitor) RecordViolation(ctx context.Context, v Violation) Violation {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.At.IsZero() {
		v.At = m.clock.Now()
	}
	if v.Severity == "" {
		v.Severity = recovery.SeverityWarning
	}
	m.mu.Lock()
	m.violations = append(m.violations, v)
	m.counters.Violations++
	m.mu.Unlock()

	m.logger.Warn("flow violation", "type", v.Type, "entity", v.Entity, "entity_id", v.EntityID, "from", v.From, "to", v.To, "reason", v.Reason, "severity", v.Severity)
	m.publish(ctx, Event{Type: EventViolation, Violation: &v})

	if v.Severity == recovery.SeverityCritical && m.alerter != nil {
		m.alerter.Raise(ctx, recovery.Alert{
			Key:      "violation:" + v.Type + ":" + v.EntityID,
			Kind:     v.Type,
			Severity: recovery.SeverityCritical,
			Message:  fmt.Sprintf("%s %s: %s", v.Entity, v.EntityID, v.Reason),
			Details:  map[string]any{"violation_id": v.ID, "from": string(v.From), "to": string(v.To)},
		})
	}
	return v
}

// RecordRecovery logs a queue event. Recovered operations count as
// recoveries; failed and expired ones as failed recoveries.
func (m *Monitor) RecordRecovery(ctx context.Context, evt recovery.Event) Recovery {
	r := Recovery{
		ID:          uuid.NewString(),
		Queue:       evt.Queue,
		OperationID: evt.OperationID,
		Kind:        evt.Kind,
		Outcome:     evt.Outcome,
		Attempts:    evt.Attempts,
		Error:       evt.Error,
		Status:      evt.Status,
		At:          evt.At,
	}
	if r.At.IsZero() {
		r.At = m.clock.Now()
	}
	m.mu.Lock()
	m.recoveries = append(m.recoveries, r)
	switch evt.Outcome {
	case recovery.OutcomeRecovered:
		m.counters.Recoveries++
	case recovery.OutcomeFailed, recovery.OutcomeExpired:
		m.counters.FailedRecoveries++
	case recovery.OutcomeQueued:
		m.counters.Queued++
	}
	m.mu.Unlock()

	m.publish(ctx, Event{Type: EventRecovery, Recovery: &r})
	return r
}

// Notify makes the monitor an alert sink so raised alerts appear on the
// dashboard and the event stream.
func (m *Monitor) Notify(ctx context.Context, alert recovery.Alert) error {
	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	m.counters.Alerts++
	m.mu.Unlock()
	m.publish(ctx, Event{Type: EventAlert, Alert: &alert})
	return nil
}

// Raise sends an alert through the attached alerter, subject to its
// cooldown. Without an alerter the alert is only recorded.
func (m *Monitor) Raise(ctx context.Context, alert recovery.Alert) bool {
	if m.alerter != nil {
		return m.alerter.Raise(ctx, alert)
	}
	if alert.At.IsZero() {
		alert.At = m.clock.Now()
	}
	_ = m.Notify(ctx, alert)
	return true
}

// ResolveViolation marks a violation resolved.
func (m *Monitor) ResolveViolation(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.violations {
		if m.violations[i].ID == id {
			m.violations[i].Resolved = true
			return true
		}
	}
	return false
}

// Prune drops records older than the retention window and returns how many
// were removed.
func (m *Monitor) Prune() int {
	cutoff := m.clock.Now().Add(-m.retention)
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	m.transitions, removed = pruneBefore(m.transitions, cutoff, func(t Transition) time.Time { return t.At }, removed)
	m.violations, removed = pruneBefore(m.violations, cutoff, func(v Violation) time.Time { return v.At }, removed)
	m.recoveries, removed = pruneBefore(m.recoveries, cutoff, func(r Recovery) time.Time { return r.At }, removed)
	m.alerts, removed = pruneBefore(m.alerts, cutoff, func(a recovery.Alert) time.Time { return a.At }, removed)
	if removed > 0 {
		m.logger.Info("monitor pruned", "removed", removed, "cutoff", cutoff)
	}
	return removed
}

func pruneBefore[T any](list []T, cutoff time.Time, at func(T) time.Time, removed int) ([]T, int) {
	kept := list[:0]
	for _, item := range list {
		if at(item).Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	return kept, removed
}

// Counters returns lifetime totals.
func (m *Monitor) Counters() Counters {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters
}

// Transitions returns the retained transitions of one entity, oldest first.
func (m *Monitor) Transitions(entityID string) []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, 0)
	for _, t := range m.transitions {
		if t.EntityID == entityID {
			out = append(out, t)
		}
	}
	return out
}

// RecentViolations returns up to limit violations, newest first.
func (m *Monitor) RecentViolations(limit int) []Violation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.violations, limit)
}

// RecentRecoveries returns up to limit recovery records, newest first.
func (m *Monitor) RecentRecoveries(limit int) []Recovery {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.recoveries, limit)
}

// RecentAlerts returns up to limit alerts, newest first.
func (m *Monitor) RecentAlerts(limit int) []recovery.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.alerts, limit)
}

func newestFirst[T any](list []T, limit int) []T {
	n := len(list)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]T, 0, n)
	for i := len(list) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, list[i])
	}
	return out
}

// ViolationsByType counts violations within the trailing window.
func (m *Monitor) ViolationsByType(window time.Duration) map[string]int {
	since := m.clock.Now().Add(-window)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int)
	for _, v := range m.violations {
		if !v.At.Before(since) {
			out[v.Type]++
		}
	}
	return out
}

// ViolationCount counts unresolved violations within the trailing window.
func (m *Monitor) ViolationCount(window time.Duration) int {
	since := m.clock.Now().Add(-window)
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, v := range m.violations {
		if !v.Resolved && !v.At.Before(since) {
			n++
		}
	}
	return n
}

// ViolationCheck is a health check failing when more than max unresolved
// violations occurred within window.
func (m *Monitor) ViolationCheck(max int, window time.Duration) recovery.Check {
	return recovery.NewCheck("recent-violations", func(context.Context) error {
		if n := m.ViolationCount(window); n > max {
			return fmt.Errorf("%d violations in the last %s", n, window)
		}
		return nil
	})
}

// TypeCount is one row of a violations-by-type breakdown.
type TypeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// SortedViolationsByType orders ViolationsByType by count, then type.
func (m *Monitor) SortedViolationsByType(window time.Duration) []TypeCount {
	counts := m.ViolationsByType(window)
	out := make([]TypeCount, 0, len(counts))
	for t, n := range counts {
		out = append(out, TypeCount{Type: t, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Type < out[j].Type
		}
		return out[i].Count > out[j].Count
	})
	return out
}
