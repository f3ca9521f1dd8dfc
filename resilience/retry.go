// Package resilience provides the scheduler's fault-tolerance primitives:
// bounded retry with exponential backoff, a per-node circuit breaker,
// invocation rate limiting for foreign workers, and latency hedging. These
// are used by the scheduler (§4.7) around each node invocation; they are
// also usable standalone, which is why they live in their own package
// rather than inline in scheduler.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/remotemedia/executor/core"
)

// RetryPolicy configures Retry's backoff schedule and which error kinds it
// will retry. The zero value is normalized to DefaultRetryPolicy by Retry.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the computed delay between attempts.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the delay after each failed attempt.
	BackoffFactor float64

	// Jitter randomizes each computed delay within [0, delay) to avoid
	// synchronized retries across nodes sharing a foreign worker.
	Jitter bool

	// RetryableErrors overrides the default retryable kind set
	// (node_execution_error, foreign_error) when non-empty.
	RetryableErrors []core.ErrorKind
}

// DefaultRetryPolicy returns the executor's default retry policy: 3
// attempts with exponential backoff starting at 100ms, doubling, capped at
// 400ms, matching the fixed 100/200/400ms schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     400 * time.Millisecond,
		BackoffFactor:  2.0,
		Jitter:         false,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = d.BackoffFactor
	}
	return p
}

func (p RetryPolicy) retryable(err error) bool {
	if len(p.RetryableErrors) == 0 {
		return core.IsRetryable(err)
	}
	e, ok := core.AsError(err)
	if !ok {
		return false
	}
	for _, k := range p.RetryableErrors {
		if e.Kind == k {
			return true
		}
	}
	return false
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.BackoffFactor
	}
	delay := time.Duration(d)
	if delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}
	if p.Jitter && delay > 0 {
		delay = time.Duration(rand.Int63n(int64(delay)))
	}
	return delay
}

// Retry invokes fn until it succeeds, returns a non-retryable error,
// exhausts MaxAttempts, or ctx is cancelled. On exhaustion it returns the
// last error wrapped as core.KindRetryLimitExceeded unless the last error
// was already non-retryable, in which case it is returned unwrapped.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	policy = policy.normalize()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !policy.retryable(err) {
			return zero, err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.backoff(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	if e, ok := core.AsError(lastErr); ok {
		return zero, core.NewError("resilience.retry", core.KindRetryLimitExceeded, "exhausted retry attempts", e).WithAttempt(policy.MaxAttempts)
	}
	return zero, lastErr
}
