package services

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds retries of transient collaborator failures.
type RetryPolicy struct {
	Attempts   int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// OnRetry is invoked before each sleep with the attempt that just failed.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// DefaultRetryPolicy mirrors the scheduler defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 5, Initial: 2 * time.Second, Max: time.Minute, Multiplier: 2}
}

// Retry runs fn until it succeeds, returns a non-transient error, the context
// ends, or the attempt budget is spent. The last error is always surfaced.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	multiplier := policy.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}
	wait := policy.Initial

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !IsTransient(err) || attempt == attempts {
			break
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, wait, err)
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		wait = time.Duration(float64(wait) * multiplier)
		if policy.Max > 0 && wait > policy.Max {
			wait = policy.Max
		}
	}
	if IsTransient(err) {
		return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
	}
	return err
}
