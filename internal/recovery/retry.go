// Package recovery keeps infrastructure failures from losing work: bounded
// retry with backoff, durable operation and notification queues, alerting
// with cooldown, and periodic health checks.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/wolfman30/teletherapy-platform/internal/flow"
)

// ErrExhausted matches every *ExhaustedError.
var ErrExhausted = errors.New("recovery: retry budget exhausted")

// ExhaustedError carries the last failure after the attempt budget ran out.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("recovery: gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrExhausted, e.Last} }

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Policy configures Retry.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	Jitter         float64 // fraction of the delay added at random, 0 disables
	AttemptTimeout time.Duration

	// Sleep waits between attempts; tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns a value in [0, 1) for jitter.
	Rand func() float64
	// Retryable decides whether an error is worth another attempt.
	Retryable func(error) bool
}

// DefaultPolicy returns five attempts starting at one second, doubling up to
// thirty seconds.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2,
		Jitter:         0.1,
		AttemptTimeout: 10 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	if p.Retryable == nil {
		p.Retryable = DefaultRetryable
	}
	return p
}

// Delay is the backoff after the given failed attempt (1-based), before
// jitter: BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p Policy) jittered(attempt int) time.Duration {
	d := p.Delay(attempt)
	if p.Jitter == 0 || d == 0 {
		return d
	}
	return d + time.Duration(float64(d)*p.Jitter*p.Rand())
}

// DefaultRetryable retries everything except permanent errors, transition
// validation errors and caller cancellation.
func DefaultRetryable(err error) bool {
	switch {
	case IsPermanent(err), flow.IsValidationError(err):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Retry runs op until it succeeds, fails with a non-retryable error, or
// MaxAttempts is reached. The first call is attempt 1. Exhaustion returns an
// *ExhaustedError wrapping the last error.
func Retry(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	p = p.normalized()
	var last error
	for attempt := 1; ; attempt++ {
		last = runAttempt(ctx, p.AttemptTimeout, op)
		if last == nil {
			return nil
		}
		if !p.Retryable(last) {
			return last
		}
		if attempt >= p.MaxAttempts {
			return &ExhaustedError{Attempts: attempt, Last: last}
		}
		if err := p.Sleep(ctx, p.jittered(attempt)); err != nil {
			return &ExhaustedError{Attempts: attempt, Last: errors.Join(last, err)}
		}
	}
}

func runAttempt(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(attemptCtx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
