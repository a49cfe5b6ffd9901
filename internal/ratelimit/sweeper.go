package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically evicts idle windows from a MemoryStore so keys that
// stopped sending requests do not accumulate.
type Sweeper struct {
	cron   *cron.Cron
	store  *MemoryStore
	idle   time.Duration
	logger *slog.Logger
}

// NewSweeper schedules a sweep every interval.
func NewSweeper(store *MemoryStore, every, idle time.Duration, logger *slog.Logger) (*Sweeper, error) {
	s := &Sweeper{
		cron:   cron.New(),
		store:  store,
		idle:   idle,
		logger: logger.With("component", "rate_window_sweeper"),
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", every), s.sweep); err != nil {
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}
	return s, nil
}

// Start begins the schedule in its own goroutine.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep, bounded by ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) sweep() {
	if n := s.store.Sweep(s.idle); n > 0 {
		s.logger.Debug("evicted idle rate windows", "count", n, "remaining", s.store.Len())
	}
}
