package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock shared by store and limiter.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestFixedWindow(limit int64, window time.Duration) (*FixedWindow, *MemoryStore, *fakeClock) {
	clock := newFakeClock()
	store := NewMemoryStore()
	store.now = clock.Now
	l := NewFixedWindow(store, limit, window)
	l.now = clock.Now
	return l, store, clock
}

func TestFixedWindow_LimitThenReject(t *testing.T) {
	l, _, _ := newTestFixedWindow(10, time.Hour)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		d, err := l.Allow(ctx, "https://app.test")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d rejected, want allowed", i)
		}
		if d.Remaining != int64(10-i) {
			t.Errorf("request %d: Remaining = %d, want %d", i, d.Remaining, 10-i)
		}
	}

	d, err := l.Allow(ctx, "https://app.test")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if d.Allowed {
		t.Fatal("11th request allowed, want rejected")
	}
	if d.RetryAfter != time.Hour {
		t.Errorf("RetryAfter = %v, want %v", d.RetryAfter, time.Hour)
	}
}

func TestFixedWindow_KeysAreIndependent(t *testing.T) {
	l, _, _ := newTestFixedWindow(1, time.Minute)
	ctx := context.Background()

	if d, _ := l.Allow(ctx, "a"); !d.Allowed {
		t.Fatal("first request for a rejected")
	}
	if d, _ := l.Allow(ctx, "b"); !d.Allowed {
		t.Fatal("first request for b rejected")
	}
	if d, _ := l.Allow(ctx, "a"); d.Allowed {
		t.Fatal("second request for a allowed")
	}
}

func TestFixedWindow_ResetsAfterWindow(t *testing.T) {
	l, _, clock := newTestFixedWindow(2, time.Minute)
	ctx := context.Background()

	for range 3 {
		_, _ = l.Allow(ctx, "k")
	}
	clock.Advance(30 * time.Second)
	d, _ := l.Allow(ctx, "k")
	if d.Allowed {
		t.Fatal("request inside window allowed after limit")
	}
	if d.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", d.RetryAfter)
	}

	clock.Advance(30 * time.Second)
	d, _ = l.Allow(ctx, "k")
	if !d.Allowed {
		t.Fatal("request after window elapsed rejected")
	}
	if d.Remaining != 1 {
		t.Errorf("Remaining = %d, want 1", d.Remaining)
	}
}

func TestFixedWindow_ConcurrentIncrements(t *testing.T) {
	const limit = 50
	l, _, _ := newTestFixedWindow(limit, time.Hour)
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(ctx, "shared")
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != limit {
		t.Errorf("allowed = %d, want exactly %d", got, limit)
	}
}

type failingStore struct{}

func (failingStore) Incr(context.Context, string, time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("store down")
}

func TestFixedWindow_StoreError(t *testing.T) {
	l := NewFixedWindow(failingStore{}, 1, time.Minute)
	if _, err := l.Allow(context.Background(), "k"); err == nil {
		t.Fatal("Allow() expected error from failing store, got nil")
	}
}

func TestNoop_AlwaysAllows(t *testing.T) {
	var l Limiter = Noop{}
	for range 100 {
		d, err := l.Allow(context.Background(), "k")
		if err != nil || !d.Allowed {
			t.Fatalf("Noop.Allow() = %+v, %v", d, err)
		}
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore()
	s.now = clock.Now
	ctx := context.Background()

	_, _, _ = s.Incr(ctx, "old", time.Minute)
	clock.Advance(90 * time.Second)
	_, _, _ = s.Incr(ctx, "fresh", time.Minute)

	if n := s.Sweep(time.Minute); n != 1 {
		t.Errorf("Sweep() removed %d, want 1", n)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestTokenBucket_BurstThenReject(t *testing.T) {
	l := NewTokenBucket(3, time.Hour, time.Hour)
	ctx := context.Background()

	for i := range 3 {
		d, err := l.Allow(ctx, "k")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d rejected inside burst", i+1)
		}
	}
	d, err := l.Allow(ctx, "k")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if d.Allowed {
		t.Fatal("request past burst allowed")
	}
	if d.RetryAfter != 20*time.Minute {
		t.Errorf("RetryAfter = %v, want 20m", d.RetryAfter)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewSweeper(NewMemoryStore(), time.Minute, time.Hour, logger)
	if err != nil {
		t.Fatalf("NewSweeper() error = %v", err)
	}
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestSweeper_SweepsIdleWindows(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	store.now = clock.Now
	_, _, _ = store.Incr(context.Background(), "k", time.Minute)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewSweeper(store, time.Minute, time.Minute, logger)
	if err != nil {
		t.Fatalf("NewSweeper() error = %v", err)
	}

	clock.Advance(2 * time.Minute)
	s.sweep()
	if store.Len() != 0 {
		t.Errorf("Len() = %d after sweep, want 0", store.Len())
	}
}
