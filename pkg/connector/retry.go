package connector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures how a failed handler call is retried.
type RetryPolicy struct {
	MaxAttempts       int           // total attempts including the first; <= 1 disables retry
	InitialDelay      time.Duration // delay before the second attempt
	MaxDelay          time.Duration // ceiling for any single delay
	BackoffMultiplier float64       // growth per attempt; defaults to 2
}

// Enabled reports whether more than one attempt is allowed.
func (p RetryPolicy) Enabled() bool { return p.MaxAttempts > 1 }

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = 2
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// permanentError marks an error that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the registry does not retry it. Handlers use it for
// bad parameters and missing credentials.
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

// RetryExhaustedError is returned when every attempt failed.
type RetryExhaustedError struct {
	Attempts      int
	LastError     error
	TotalDuration time.Duration
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.LastError)
}

func (e *RetryExhaustedError) Unwrap() error { return e.LastError }

// retry calls fn until it succeeds, returns a permanent error, the attempts
// run out, or ctx is done.
func retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	if !policy.Enabled() {
		return fn()
	}
	policy = policy.withDefaults()

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) || ctx.Err() != nil {
			return lastErr
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(backoff(policy, attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		}
	}
	return &RetryExhaustedError{
		Attempts:      policy.MaxAttempts,
		LastError:     lastErr,
		TotalDuration: time.Since(start),
	}
}

// backoff is initialDelay * multiplier^attempt with +/-25% jitter, capped at
// MaxDelay.
func backoff(p RetryPolicy, attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if math.IsInf(delay, 0) || math.IsNaN(delay) {
		delay = float64(p.MaxDelay)
	}
	delay += delay * 0.25 * (rand.Float64()*2 - 1)
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
