package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is how often the timer reconciles when not configured.
const DefaultInterval = 5 * time.Minute

// Timer runs reconciliation on a fixed interval until stopped. The first
// check happens one interval after Start.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a reconciliation timer. A non-positive interval uses
// DefaultInterval.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start blocks running checks until ctx is done or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// Stop ends the loop. It is safe to call before Start or more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// tick runs one check. A panicking source is logged and the loop continues.
func (t *Timer) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("reconciliation panicked", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.service.Run(ctx); err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
	}
}
