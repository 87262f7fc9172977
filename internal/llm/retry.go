package llm

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"
	"time"
)

// RetryPolicy retries model calls that fail with rate-limit or server
// errors, backing off exponentially.
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	ExpBase      float64
	MaxDelay     time.Duration
	Statuses     []int
}

// DefaultRetryPolicy: 5 attempts, 1s initial delay, base 7, on 429/500/503/504.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:     5,
		InitialDelay: time.Second,
		ExpBase:      7,
		MaxDelay:     2 * time.Minute,
		Statuses:     []int{429, 500, 503, 504},
	}
}

// Delay returns the wait before retry n (0 for the first retry).
func (p RetryPolicy) Delay(n int) time.Duration {
	base := p.ExpBase
	if base < 1 {
		base = 1
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(base, float64(n)))
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		d = p.MaxDelay
	}
	return d
}

// Retryable reports whether err carries a status the policy retries on.
func (p RetryPolicy) Retryable(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return slices.Contains(p.Statuses, se.Code)
}

// Do calls fn until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx is done.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for n := 0; n < attempts; n++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !p.Retryable(err) || n == attempts-1 {
			return err
		}

		wait := p.Delay(n)
		slog.Warn("model call failed, retrying", "attempt", n+1, "backoff", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
