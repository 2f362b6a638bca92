package refresh

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"dispatch-admin/console/internal/platform/clock"
	"dispatch-admin/console/internal/security"
)

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Refresher *Refresher
	Store     SessionStore
	Clock     clock.Clock
	// Interval between ticks. Default 60s.
	Interval time.Duration
	// Threshold is how close to exp a token is refreshed. Default security.DefaultExpiryThreshold.
	Threshold time.Duration
	Logger    *zap.Logger
}

// Scheduler rechecks the session on a fixed interval and refreshes tokens that are
// about to expire. Failures wait for the next tick; there is no backoff.
type Scheduler struct {
	refresher *Refresher
	store     SessionStore
	clock     clock.Clock
	interval  time.Duration
	threshold time.Duration
	logger    *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler returns a stopped Scheduler.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.Threshold <= 0 {
		opts.Threshold = security.DefaultExpiryThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		refresher: opts.Refresher,
		store:     opts.Store,
		clock:     clock.OrSystem(opts.Clock),
		interval:  opts.Interval,
		threshold: opts.Threshold,
		logger:    logger.With(zap.String("component", "scheduler")),
	}
}

// Start begins ticking until ctx is done or Stop is called. Calling Start on a
// running Scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop cancels the timer and waits for an in-progress tick to return.
// Safe to call on a Scheduler that was never started, and more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the timer is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Warn("scheduler: tick", zap.Error(err))
			}
		}
	}
}

// Tick runs one recheck: it re-derives the session from storage, then refreshes the
// token if it expires within the threshold. refreshed reports whether an exchange
// (or a concurrent one it joined) succeeded.
func (s *Scheduler) Tick(ctx context.Context) (refreshed bool, err error) {
	if err := s.store.PeriodicRecheck(ctx); err != nil {
		s.logger.Warn("scheduler: periodic recheck", zap.Error(err))
	}
	token, gen, ok := s.store.Current()
	if !ok {
		return false, nil
	}
	if !security.IsExpiringSoon(token, s.clock.Now(), s.threshold) {
		return false, nil
	}
	return s.refresher.Refresh(ctx, gen)
}
