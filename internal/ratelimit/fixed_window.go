package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// FixedWindow admits at most limit requests per key per window.
type FixedWindow struct {
	store  Store
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewFixedWindow creates a fixed-window limiter over store.
func NewFixedWindow(store Store, limit int64, window time.Duration) *FixedWindow {
	return &FixedWindow{
		store:  store,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow counts the request against key and reports whether it fits the budget.
func (l *FixedWindow) Allow(ctx context.Context, key string) (Decision, error) {
	count, resetAt, err := l.store.Incr(ctx, key, l.window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit store: %w", err)
	}

	d := Decision{Limit: l.limit, ResetAt: resetAt}
	if count > l.limit {
		d.RetryAfter = max(resetAt.Sub(l.now()), 0)
		return d, nil
	}
	d.Allowed = true
	d.Remaining = l.limit - count
	return d, nil
}
