/*
scheduler.go - Weekly freebie reset scheduler

PURPOSE:
  Periodically clears the weekly streak freebie for every user whose reset
  anchor belongs to an earlier ISO week. Logins already apply the reset
  lazily; the scheduler makes the flag correct for users who have not
  logged in yet this week, so reads (GET /streak) never show a stale week.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - The reset is idempotent, so a short interval only costs reads
  - Per-user failures are joined and logged; one bad row does not stop
    the sweep

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewWeeklyResetScheduler(eng, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerWeeklyReset endpoint (manual run)
  - streak/streak.go: ResetDueWeeks
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/claves-engine/engine"
)

// WeeklyResetScheduler runs the weekly freebie reset on a ticker.
type WeeklyResetScheduler struct {
	Engine        *engine.Engine
	CheckInterval time.Duration
	Enabled       bool

	log    *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex // guards Start/Stop

	runMu   sync.Mutex
	lastRun time.Time
}

// NewWeeklyResetScheduler creates a new scheduler.
func NewWeeklyResetScheduler(eng *engine.Engine, log *zap.Logger) *WeeklyResetScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WeeklyResetScheduler{
		Engine:        eng,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		log:           log,
	}
}

// Start begins the scheduler. Calling it twice is a no-op.
func (s *WeeklyResetScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("weekly reset scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run(ctx)

	s.log.Info("weekly reset scheduler started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight sweep to return.
func (s *WeeklyResetScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info("weekly reset scheduler stopped")
}

func (s *WeeklyResetScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.RunNow(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunNow sweeps every user once and returns how many were reset.
func (s *WeeklyResetScheduler) RunNow(ctx context.Context) int {
	start := time.Now()
	n, err := s.Engine.Streak.ResetDueWeeks(ctx, s.Engine)
	if err != nil {
		s.log.Error("weekly reset sweep failed", zap.Int("reset", n), zap.Error(err))
	} else if n > 0 {
		s.log.Info("weekly reset sweep completed",
			zap.Int("reset", n),
			zap.Duration("duration", time.Since(start)))
	}

	s.runMu.Lock()
	s.lastRun = start
	s.runMu.Unlock()
	return n
}

// LastRun is when the last sweep started, zero before the first one.
func (s *WeeklyResetScheduler) LastRun() time.Time {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.lastRun
}
