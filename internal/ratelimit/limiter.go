package ratelimit

import "context"

// RateLimiter throttles push gateway submissions per platform.
type RateLimiter interface {
	Allow(ctx context.Context, platform string) (bool, error)
	Wait(ctx context.Context, platform string) error
}
