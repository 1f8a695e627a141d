// Package retry wraps outbound provider calls with exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 200 * time.Millisecond

	maxBackoffInterval = 5 * time.Minute
)

// Policy controls Exponential. The delay starts at InitialBackoff and doubles
// after each failed attempt, without jitter.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	// OnRetry is called before each sleep, if set.
	OnRetry func(err error, attempt int, next time.Duration)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
	}
}

// NewPolicy builds a policy from config values, falling back to defaults for
// non-positive inputs.
func NewPolicy(maxAttempts int, backoffStartMs int) Policy {
	p := DefaultPolicy()
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if backoffStartMs > 0 {
		p.InitialBackoff = time.Duration(backoffStartMs) * time.Millisecond
	}
	return p
}

// Exponential invokes op until it succeeds or MaxAttempts calls have failed,
// returning the last error. Context cancellation interrupts the sleep.
func Exponential(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	_, err := ExponentialWithData(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func ExponentialWithData[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if op == nil {
		return zero, fmt.Errorf("retry operation is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	initial := policy.InitialBackoff
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = initial
	schedule.RandomizationFactor = 0
	schedule.Multiplier = 2
	schedule.MaxInterval = maxBackoffInterval
	schedule.MaxElapsedTime = 0

	bounded := backoff.WithContext(backoff.WithMaxRetries(schedule, uint64(attempts-1)), ctx)

	attempt := 0
	notify := func(err error, next time.Duration) {
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt, next)
		}
	}

	return backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		return op(ctx)
	}, bounded, notify)
}

// Permanent marks err as not worth retrying. Exponential returns the wrapped
// error immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
