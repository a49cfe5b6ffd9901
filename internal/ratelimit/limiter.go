// Package ratelimit tracks per-key request volume and rejects keys that
// exceed their budget.
//
// The default strategy is a fixed window: the first request for a key opens
// a window of the configured length; requests 1..Limit inside it pass and the
// rest are rejected until the window elapses. Window counters live in a Store,
// either process memory or Redis for deployments with several relay instances.
package ratelimit

import (
	"context"
	"time"
)

// Strategy names accepted in configuration.
const (
	StrategyFixedWindow = "fixed_window"
	StrategyTokenBucket = "token_bucket"
)

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed bool
	Limit   int64
	// Remaining is the number of requests left in the current window, or -1
	// when the strategy cannot tell.
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter decides whether the request identified by key may proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Store keeps fixed-window counters. Incr atomically increments the counter
// for key, opening a new window of length window when none is active, and
// returns the post-increment count and the window's reset time.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)
}

// Noop never rejects. It is used when no limit is configured.
type Noop struct{}

// Allow always admits the request.
func (Noop) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true, Remaining: -1}, nil
}
