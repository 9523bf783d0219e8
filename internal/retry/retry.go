// Package retry wraps model gateway calls with bounded exponential
// backoff. Only transient failures (overload, rate limiting) are
// retried; anything else propagates on the first attempt.
//
// The schedule is base*2^(attempt-1) with no jitter: 1s, 2s, 4s for
// the default policy, bounding the total wait to base*(2^retries-1).
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Policy controls retry behavior.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt
	// (default: 3). Zero disables retrying.
	MaxRetries int

	// BaseDelay is the delay before the first retry (default: 1s).
	BaseDelay time.Duration

	// CallTimeout bounds each individual attempt. Zero means the
	// attempt is bounded only by the caller's context.
	CallTimeout time.Duration

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger

	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy returns three retries from a one second base with a
// two minute per-call deadline.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:  3,
		BaseDelay:   time.Second,
		CallTimeout: 2 * time.Minute,
	}
}

// Backoff returns the delay before retry number attempt (1-based).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// IsTransient reports whether err, or anything it wraps, declares
// itself transient via a Transient() bool method.
func IsTransient(err error) bool {
	var t interface{ Transient() bool }
	if errors.As(err, &t) {
		return t.Transient()
	}
	return false
}

// Do runs op until it succeeds, fails fatally, or exhausts the policy.
// The last error is returned unchanged so callers can classify it.
func Do[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	for attempt := 0; ; attempt++ {
		v, err := call(ctx, p.CallTimeout, op)
		if err == nil {
			if attempt > 0 {
				logger.Debug("call succeeded after retry",
					"op", name,
					"attempts", attempt+1,
				)
			}
			return v, nil
		}

		if !IsTransient(err) || attempt >= p.MaxRetries {
			return zero, err
		}

		delay := Backoff(base, attempt+1)
		logger.Warn("transient failure, backing off",
			"op", name,
			"attempt", attempt+1,
			"max_retries", p.MaxRetries,
			"delay", delay.String(),
			"error", err,
		)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}

		if !sleepCtx(ctx, delay) {
			return zero, ctx.Err()
		}
	}
}

func call[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(callCtx)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if
// the context was cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
