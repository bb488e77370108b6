// Package retry runs fallible remote calls with bounded attempts and backoff.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackpressureMessage is the error text remote services use to ask callers
// to slow down.
const BackpressureMessage = "overloaded, please back off"

// backpressureStep is the per-attempt wait used when a service signals
// backpressure.
const backpressureStep = time.Second

// Policy bounds the attempts made for one operation.
type Policy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

// Policies used across the relay.
var (
	QueueSend        = Policy{MaxAttempts: 3, MinDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second}
	PrimaryArchive   = Policy{MaxAttempts: 10, MinDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}
	SecondaryArchive = Policy{MaxAttempts: 5, MinDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}
	BodyFetch        = Policy{MaxAttempts: 5, MinDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}
	NotificationSend = Policy{MaxAttempts: 3, MinDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second}
	ChatPost         = Policy{MaxAttempts: 3, MinDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}
)

// Backpressure is implemented by errors that carry an explicit slow-down
// signal from the remote side.
type Backpressure interface {
	Backpressure() bool
}

// IsBackpressure reports whether err asks the caller to back off.
func IsBackpressure(err error) bool {
	if err == nil {
		return false
	}
	var bp Backpressure
	if errors.As(err, &bp) && bp.Backpressure() {
		return true
	}
	return strings.Contains(err.Error(), BackpressureMessage)
}

// DelayHint is implemented by errors that name the minimum wait before the
// next attempt, such as an HTTP Retry-After.
type DelayHint interface {
	RetryDelay() time.Duration
}

// backpressureDelay is the wait before attempt n+1 after a backpressure
// error: n seconds, or longer when err carries a DelayHint.
func backpressureDelay(n int, err error) time.Duration {
	delay := time.Duration(n) * backpressureStep
	var hint DelayHint
	if errors.As(err, &hint) {
		delay = max(delay, hint.RetryDelay())
	}
	return delay
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Attempt performs one try of an operation. n starts at 1.
type Attempt[T any] func(ctx context.Context, n int) (T, error)

// Runner executes attempts under a policy.
type Runner struct {
	logger *slog.Logger
	sleep  SleepFunc
}

// NewRunner creates a Runner that logs through logger.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger, sleep: Sleep}
}

// WithSleep returns a copy of r that waits with sleep.
func (r *Runner) WithSleep(sleep SleepFunc) *Runner {
	return &Runner{logger: r.logger, sleep: sleep}
}

// Do runs attempt until it succeeds or the policy is exhausted. It returns
// the value, the number of attempts made and the last error. Non-final
// failures are logged at warn level; the final failure is logged once at
// error level with attrs attached.
func Do[T any](ctx context.Context, r *Runner, op string, policy Policy, attempt Attempt[T], attrs ...slog.Attr) (T, int, error) {
	var zero T

	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	schedule := newSchedule(policy)
	sleep := r.sleep
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for n := 1; n <= maxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			r.logFinal(ctx, op, n-1, lastErr, attrs)
			return zero, n - 1, lastErr
		}

		value, err := attempt(ctx, n)
		if err == nil {
			return value, n, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			lastErr = perm.err
			r.logFinal(ctx, op, n, lastErr, attrs)
			return zero, n, lastErr
		}

		remaining := maxAttempts - n
		if remaining == 0 {
			break
		}

		delay := schedule.NextBackOff()
		if IsBackpressure(err) {
			delay = backpressureDelay(n, err)
		}

		r.logger.LogAttrs(ctx, slog.LevelWarn, "Retrying after failure",
			append([]slog.Attr{
				slog.String("operation", op),
				slog.Int("attempt", n),
				slog.Int("remaining", remaining),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			}, attrs...)...,
		)

		if err := sleep(ctx, delay); err != nil {
			r.logFinal(ctx, op, n, lastErr, attrs)
			return zero, n, lastErr
		}
	}

	r.logFinal(ctx, op, maxAttempts, lastErr, attrs)
	return zero, maxAttempts, lastErr
}

func (r *Runner) logFinal(ctx context.Context, op string, attempts int, err error, attrs []slog.Attr) {
	r.logger.LogAttrs(ctx, slog.LevelError, "Giving up after retries",
		append([]slog.Attr{
			slog.String("operation", op),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		}, attrs...)...,
	)
}

// newSchedule returns a deterministic doubling schedule starting at MinDelay.
func newSchedule(policy Policy) *backoff.ExponentialBackOff {
	maxDelay := policy.MaxDelay
	if maxDelay < policy.MinDelay {
		maxDelay = policy.MinDelay
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     policy.MinDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
	}
	b.Reset()
	return b
}
