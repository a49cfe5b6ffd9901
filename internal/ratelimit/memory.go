package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count    int64
	start    time.Time
	lastSeen time.Time
}

// MemoryStore keeps window counters in process memory behind a single mutex.
// The critical section is a map lookup and an increment.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Incr implements Store.
func (s *MemoryStore) Incr(_ context.Context, key string, length time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || now.Sub(w.start) >= length {
		w = &window{start: now}
		s.windows[key] = w
	}
	w.count++
	w.lastSeen = now

	return w.count, w.start.Add(length), nil
}

// Sweep drops windows not touched for at least idle and returns how many
// were removed.
func (s *MemoryStore) Sweep(idle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, w := range s.windows {
		if now.Sub(w.lastSeen) >= idle {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
