package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/teletherapy-platform/internal/clock"
	"github.com/wolfman30/teletherapy-platform/internal/notify"
)

func TestAlerterFiresAtThreshold(t *testing.T) {
	fc := clock.NewFake(queueT)
	sink := &recordingSink{}
	a := NewAlerter(3, 5*time.Minute, fc, nil, sink)
	ctx := context.Background()

	assert.False(t, a.RecordFailure(ctx, "session.save", errors.New("down")))
	assert.False(t, a.RecordFailure(ctx, "session.save", errors.New("down")))
	assert.True(t, a.RecordFailure(ctx, "session.save", errors.New("down")))

	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, "session.save", alerts[0].Kind)
	assert.Equal(t, 3, alerts[0].Count)
	assert.Equal(t, "down", alerts[0].Details["last_error"])
	assert.Equal(t, queueT, alerts[0].At)
}

func TestAlerterSuppressesDuplicatesWithinCooldown(t *testing.T) {
	fc := clock.NewFake(queueT)
	sink := &recordingSink{}
	a := NewAlerter(1, 5*time.Minute, fc, nil, sink)
	ctx := context.Background()

	assert.True(t, a.RecordFailure(ctx, "notify", nil))
	assert.False(t, a.RecordFailure(ctx, "notify", nil))

	fc.Advance(4*time.Minute + 59*time.Second)
	assert.False(t, a.RecordFailure(ctx, "notify", nil))

	fc.Advance(time.Second)
	assert.True(t, a.RecordFailure(ctx, "notify", nil))
	assert.Len(t, sink.all(), 2)
}

func TestAlerterSuccessResetsCount(t *testing.T) {
	a := NewAlerter(3, time.Minute, clock.NewFake(queueT), nil)
	ctx := context.Background()
	a.RecordFailure(ctx, "k", nil)
	a.RecordFailure(ctx, "k", nil)
	assert.Equal(t, 2, a.ConsecutiveFailures("k"))

	a.RecordSuccess("k")
	assert.Zero(t, a.ConsecutiveFailures("k"))
	assert.False(t, a.RecordFailure(ctx, "k", nil))
}

func TestRaiseDefaultsKeyFromKindAndMessage(t *testing.T) {
	sink := &recordingSink{}
	a := NewAlerter(0, 0, clock.NewFake(queueT), nil, sink)
	ctx := context.Background()

	assert.True(t, a.Raise(ctx, Alert{Kind: "integrity", Message: "paid but cancelled"}))
	assert.False(t, a.Raise(ctx, Alert{Kind: "integrity", Message: "paid but cancelled"}))
	assert.True(t, a.Raise(ctx, Alert{Kind: "integrity", Message: "completed without end"}))

	alerts := sink.all()
	require.Len(t, alerts, 2)
	assert.Equal(t, "integrity|paid but cancelled", alerts[0].Key)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
}

func TestAlerterKeepsGoingWhenSinkFails(t *testing.T) {
	sink := &recordingSink{}
	failing := AlertSinkFunc(func(context.Context, Alert) error { return errors.New("smtp down") })
	a := NewAlerter(1, time.Minute, clock.NewFake(queueT), nil, failing)
	a.AddSink(sink)
	a.AddSink(nil)

	assert.True(t, a.Raise(context.Background(), Alert{Kind: "k", Message: "m"}))
	assert.Len(t, sink.all(), 1)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []notify.Message
	errs []error
}

func (f *fakeSender) Send(_ context.Context, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) messages() []notify.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Message(nil), f.sent...)
}

func TestEmailSinkSendsToEveryRecipient(t *testing.T) {
	sender := &fakeSender{}
	sink := NewEmailSink(sender, []string{"ops@example.com", "oncall@example.com"})
	require.NotNil(t, sink)

	err := sink.Notify(context.Background(), Alert{
		Kind: "notifications.notification.send", Severity: SeverityCritical,
		Message: "moved to failed list", At: queueT, Details: map[string]any{"operation_id": "op-1"},
	})
	require.NoError(t, err)

	sent := sender.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, "ops@example.com", sent[0].To)
	assert.Equal(t, notify.KindOperatorAlert, sent[0].Kind)
	assert.Contains(t, sent[0].Subject, "[CRITICAL]")
	assert.Contains(t, sent[0].Body, "operation_id: op-1")
}

func TestNewEmailSinkNeedsRecipients(t *testing.T) {
	assert.Nil(t, NewEmailSink(notify.NewStubSender(nil), nil))
	assert.Nil(t, NewEmailSink(nil, []string{"a@b.c"}))
}
