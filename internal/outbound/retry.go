package outbound

import (
	"context"
	"errors"
	"math"
	"time"

	"chatdesk/internal/transport"
)

// RetryPolicy controls how failed sends are retried.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy sends once and retries once after a short pause.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  2,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
}

// ShouldRetry returns true if the error is retryable and attempts remain.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return isRetryable(err)
}

// isRetryable treats a missing session and caller cancellation as permanent.
// Everything else (timeouts, transport hiccups) gets another attempt.
func isRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, transport.ErrNotConnected):
		return false
	case errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

// NextDelay returns the backoff delay for the given attempt number (1-indexed).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Execute runs fn until it succeeds, the error is permanent or attempts run out.
// It returns the number of attempts made and the last error.
func (p RetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	limit := p.MaxAttempts
	if limit <= 0 {
		limit = 1
	}
	var lastErr error
	for attempt := 1; attempt <= limit; attempt++ {
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		if !p.ShouldRetry(err, attempt) {
			return attempt, err
		}

		t := time.NewTimer(p.NextDelay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, lastErr
		case <-t.C:
		}
	}
	return limit, lastErr
}
