package ratelimit

import "context"

// RateLimiter throttles outbound sends per driver.
type RateLimiter interface {
	Allow(ctx context.Context, driver string) (bool, error)
	Wait(ctx context.Context, driver string) error
}

// Unlimited never throttles. It stands in when no shared limiter is wired.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }

func (Unlimited) Wait(context.Context, string) error { return nil }
