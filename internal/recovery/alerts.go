package recovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/teletherapy-platform/internal/clock"
	"github.com/wolfman30/teletherapy-platform/internal/notify"
	"github.com/wolfman30/teletherapy-platform/pkg/logging"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is an operator-facing notice.
type Alert struct {
	Key      string         `json:"key"`
	Kind     string         `json:"kind"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Count    int            `json:"count,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	At       time.Time      `json:"at"`
}

// AlertSink receives alerts that passed the cooldown.
type AlertSink interface {
	Notify(ctx context.Context, alert Alert) error
}

// AlertSinkFunc adapts a function to AlertSink.
type AlertSinkFunc func(ctx context.Context, alert Alert) error

func (f AlertSinkFunc) Notify(ctx context.Context, alert Alert) error { return f(ctx, alert) }

// Alerter counts consecutive failures per kind and emits an alert at the
// threshold. Alerts with the same key are suppressed for the cooldown.
type Alerter struct {
	threshold int
	cooldown  time.Duration
	clock     clock.Clock
	logger    *logging.Logger

	mu       sync.Mutex
	sinks    []AlertSink
	failures map[string]int
	lastSent map[string]time.Time
}

// NewAlerter creates an Alerter. threshold <= 0 defaults to 3 and cooldown
// <= 0 to five minutes.
func NewAlerter(threshold int, cooldown time.Duration, c clock.Clock, logger *logging.Logger, sinks ...AlertSink) *Alerter {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Alerter{
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock.OrSystem(c),
		logger:    logger,
		sinks:     append([]AlertSink(nil), sinks...),
		failures:  make(map[string]int),
		lastSent:  make(map[string]time.Time),
	}
}

// AddSink registers another destination.
func (a *Alerter) AddSink(s AlertSink) {
	if s == nil {
		return
	}
	a.mu.Lock()
	a.sinks = append(a.sinks, s)
	a.mu.Unlock()
}

// RecordFailure counts a failure of kind and alerts once the consecutive
// count reaches the threshold. It reports whether an alert was sent.
func (a *Alerter) RecordFailure(ctx context.Context, kind string, err error) bool {
	a.mu.Lock()
	a.failures[kind]++
	n := a.failures[kind]
	a.mu.Unlock()

	if n < a.threshold {
		return false
	}
	msg := fmt.Sprintf("%d consecutive %s failures", n, kind)
	details := map[string]any{}
	if err != nil {
		details["last_error"] = err.Error()
	}
	return a.Raise(ctx, Alert{
		Key:      "consecutive:" + kind,
		Kind:     kind,
		Severity: SeverityWarning,
		Message:  msg,
		Count:    n,
		Details:  details,
	})
}

// RecordSuccess resets the consecutive failure count for kind.
func (a *Alerter) RecordSuccess(kind string) {
	a.mu.Lock()
	delete(a.failures, kind)
	a.mu.Unlock()
}

// ConsecutiveFailures returns the current count for kind.
func (a *Alerter) ConsecutiveFailures(kind string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failures[kind]
}

// Raise sends alert to every sink unless an alert with the same key was sent
// within the cooldown. It reports whether the alert was sent.
func (a *Alerter) Raise(ctx context.Context, alert Alert) bool {
	now := a.clock.Now()
	if alert.Key == "" {
		alert.Key = alert.Kind + "|" + alert.Message
	}
	if alert.Severity == "" {
		alert.Severity = SeverityWarning
	}
	alert.At = now

	a.mu.Lock()
	if last, ok := a.lastSent[alert.Key]; ok && now.Sub(last) < a.cooldown {
		a.mu.Unlock()
		a.logger.Debug("alert suppressed by cooldown", "key", alert.Key)
		return false
	}
	a.lastSent[alert.Key] = now
	sinks := append([]AlertSink(nil), a.sinks...)
	a.mu.Unlock()

	a.logger.Warn("alert raised", "key", alert.Key, "kind", alert.Kind, "severity", alert.Severity, "message", alert.Message)
	for _, s := range sinks {
		if err := s.Notify(ctx, alert); err != nil {
			a.logger.Error("alert sink failed", "error", err, "key", alert.Key)
		}
	}
	return true
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	Logger *logging.Logger
}

func (s LogSink) Notify(ctx context.Context, alert Alert) error {
	logger := s.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger.Error("operator alert", "kind", alert.Kind, "severity", alert.Severity, "message", alert.Message, "count", alert.Count)
	return nil
}

// EmailSink mails alerts to operators.
type EmailSink struct {
	sender     notify.Sender
	recipients []string
}

// NewEmailSink returns nil when there is no sender or no recipient.
func NewEmailSink(sender notify.Sender, recipients []string) *EmailSink {
	if sender == nil || len(recipients) == 0 {
		return nil
	}
	return &EmailSink{sender: sender, recipients: recipients}
}

func (s *EmailSink) Notify(ctx context.Context, alert Alert) error {
	subject := fmt.Sprintf("[%s] flow alert: %s", strings.ToUpper(string(alert.Severity)), alert.Kind)
	body := alertBody(alert)
	var errs []string
	for _, to := range s.recipients {
		err := s.sender.Send(ctx, notify.Message{
			Channel: notify.ChannelEmail,
			To:      to,
			Subject: subject,
			Body:    body,
			Kind:    notify.KindOperatorAlert,
		})
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", to, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("recovery: alert email failed for %d recipient(s): %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

func alertBody(alert Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\nkind: %s\nseverity: %s\nat: %s\n", alert.Message, alert.Kind, alert.Severity, alert.At.Format(time.RFC3339))
	keys := make([]string, 0, len(alert.Details))
	for k := range alert.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, alert.Details[k])
	}
	return b.String()
}
