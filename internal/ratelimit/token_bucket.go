package ratelimit

import (
	"context"
	"time"

	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// TokenBucket smooths traffic instead of counting per window: each key
// refills at limit/window tokens per second with a burst of limit.
type TokenBucket struct {
	store  *echomw.RateLimiterMemoryStore
	limit  int64
	refill time.Duration
}

// NewTokenBucket creates a TokenBucket. Buckets idle for expiresIn are dropped.
func NewTokenBucket(limit int64, window, expiresIn time.Duration) *TokenBucket {
	refill := window / time.Duration(limit)
	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:      rate.Every(refill),
		Burst:     int(limit),
		ExpiresIn: expiresIn,
	})
	return &TokenBucket{store: store, limit: limit, refill: refill}
}

// Allow takes one token from key's bucket.
func (l *TokenBucket) Allow(_ context.Context, key string) (Decision, error) {
	ok, err := l.store.Allow(key)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Allowed: ok, Limit: l.limit, Remaining: -1}
	if !ok {
		d.RetryAfter = l.refill
		d.ResetAt = time.Now().Add(l.refill)
	}
	return d, nil
}
