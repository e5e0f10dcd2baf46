// Package ratelimit provides request admission by key. The in-memory token
// bucket suits a single instance; the Redis fixed window coordinates across
// instances. Both satisfy Limiter.
package ratelimit

import "context"

// Limiter admits or rejects a request identified by an opaque key such as
// "ip:<addr>" or "client:<id>". Implementations must be concurrency safe.
// An error means the limiter itself broke; callers fail open on it so a
// limiter outage never takes the API down with it.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases goroutines or connections the limiter holds.
	Close() error
}

// NoopLimiter admits everything; used when limiting is disabled.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }
func (NoopLimiter) Close() error                                { return nil }
