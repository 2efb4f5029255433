package remotesync

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

type syncer interface {
	Sync(ctx context.Context, force bool) error
}

// idleWaiter is implemented by syncers that can report when the lock and
// any open write batch are gone. Coordinator implements it.
type idleWaiter interface {
	WaitIdle(ctx context.Context) error
}

// Scheduler runs syncs one at a time with at most one pending request.
// Triggers that arrive while a request is pending are merged into it.
type Scheduler struct {
	coord  syncer
	logger Logger
	wake   chan struct{}

	mu      sync.Mutex
	pending bool
	force   bool
	runs    int
}

func NewScheduler(coord syncer, logger Logger) *Scheduler {
	return &Scheduler{
		coord:  coord,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Trigger requests a sync and returns immediately. A forced trigger keeps
// the pending request forced even if later triggers are not.
func (s *Scheduler) Trigger(force bool) {
	s.mu.Lock()
	s.pending = true
	s.force = s.force || force
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending reports whether a sync request is waiting for the worker.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Runs is the number of syncs the worker has started.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// Run is the worker loop. It returns when ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		force, ok := s.take()
		if !ok {
			continue
		}
		err := s.coord.Sync(ctx, force)
		switch {
		case err == nil, errors.Is(err, ErrSyncDisabled):
		case errors.Is(err, ErrSyncInFlight):
			// Someone else holds the lock or a write batch is open. Keep the
			// request and retry it once the coordinator goes idle.
			s.requeue(force)
			s.wakeWhenIdle(ctx)
		default:
			s.logf("scheduled sync failed: %v", err)
		}
	}
}

func (s *Scheduler) take() (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending {
		return false, false
	}
	force := s.force
	s.pending = false
	s.force = false
	s.runs++
	return force, true
}

func (s *Scheduler) requeue(force bool) {
	s.mu.Lock()
	s.pending = true
	s.force = s.force || force
	s.mu.Unlock()
}

// wakeWhenIdle re-signals the worker once the syncer is idle. Without an
// idleWaiter the request waits for the next Trigger.
func (s *Scheduler) wakeWhenIdle(ctx context.Context) {
	waiter, ok := s.coord.(idleWaiter)
	if !ok {
		return
	}
	if err := waiter.WaitIdle(ctx); err != nil {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// AutoSync triggers an unforced sync every interval, spread by jitter (a
// ratio between 0 and 1). A non-positive interval disables it.
func (s *Scheduler) AutoSync(ctx context.Context, interval time.Duration, jitter float64) {
	if interval <= 0 {
		return
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(JitteredInterval(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.Trigger(false)
			timer.Reset(JitteredInterval(interval, jitter, rng.Float64()))
		}
	}
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// JitteredInterval scales base by a factor in [1-jitter, 1+jitter] picked by
// sample in [0, 1].
func JitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
