package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/teletherapy-platform/internal/flow"
)

type sleepRecorder struct {
	delays []time.Duration
	err    error
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return s.err
}

func testPolicy(rec *sleepRecorder) Policy {
	p := DefaultPolicy()
	p.Jitter = 0
	p.AttemptTimeout = 0
	p.Sleep = rec.sleep
	return p
}

func TestRetryAlwaysFailingRunsExactlyMaxAttempts(t *testing.T) {
	rec := &sleepRecorder{}
	boom := errors.New("connection refused")
	calls := 0

	err := Retry(context.Background(), testPolicy(rec), func(context.Context) error {
		calls++
		return boom
	})

	require.Error(t, err)
	assert.Equal(t, 5, calls)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, boom)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 5, ex.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, rec.delays)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	rec := &sleepRecorder{}
	calls := 0
	err := Retry(context.Background(), testPolicy(rec), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("timeout")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, rec.delays, 2)
}

func TestRetryStopsOnNonRetryableErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"permanent", Permanent(errors.New("bad payload"))},
		{"validation", flow.Validate(flow.EntitySession, flow.SessionCompleted, flow.SessionReady, nil)},
		{"canceled", context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &sleepRecorder{}
			calls := 0
			err := Retry(context.Background(), testPolicy(rec), func(context.Context) error {
				calls++
				return tt.err
			})
			assert.Equal(t, 1, calls)
			assert.ErrorIs(t, err, tt.err)
			assert.NotErrorIs(t, err, ErrExhausted)
			assert.Empty(t, rec.delays)
		})
	}
}

func TestRetryStopsWhenSleepIsInterrupted(t *testing.T) {
	rec := &sleepRecorder{err: context.Canceled}
	calls := 0
	err := Retry(context.Background(), testPolicy(rec), func(context.Context) error {
		calls++
		return errors.New("unavailable")
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryAppliesAttemptTimeout(t *testing.T) {
	rec := &sleepRecorder{}
	p := testPolicy(rec)
	p.MaxAttempts = 1
	p.AttemptTimeout = 20 * time.Millisecond

	err := Retry(context.Background(), p, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 16*time.Second, p.Delay(5))
	assert.Equal(t, 30*time.Second, p.Delay(6))
	assert.Equal(t, 30*time.Second, p.Delay(500))
}

func TestJitterIsBounded(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2, Jitter: 0.1, Rand: func() float64 { return 0.5 }}.normalized()
	assert.Equal(t, 1050*time.Millisecond, p.jittered(1))
	assert.Equal(t, 2100*time.Millisecond, p.jittered(2))
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	assert.False(t, IsPermanent(errors.New("x")))
	assert.True(t, IsPermanent(Permanent(errors.New("x"))))
}
