package coordinator

import (
	"context"
	"sync"
	"time"

	"pkt.systems/maintd/internal/clock"
)

// SchedulerState is the position of the scheduler state machine.
type SchedulerState int

const (
	// SchedulerIdle waits for the next interval or a wake.
	SchedulerIdle SchedulerState = iota
	// SchedulerPolling is running a tick.
	SchedulerPolling
)

func (s SchedulerState) String() string {
	if s == SchedulerPolling {
		return "polling"
	}
	return "idle"
}

// TickResult reports what a single tick did.
type TickResult struct {
	// Polled is set when the remote was read.
	Polled bool
	// SkippedIdle is set when the poll was skipped because the operator was
	// inactive for longer than the idle timeout.
	SkippedIdle bool
	PollErr     error
	// Reconciled is set when the remote disagreed on mode or lease and
	// overwrote the local replica.
	Reconciled bool
	// Refreshed is set when only metadata differed.
	Refreshed bool
	// Discarded is set when the poll raced with a local change.
	Discarded bool
	// Warned is set when the pre-expiry notification fired.
	Warned bool
	// Reverted is set when the lease had expired and the state was reverted.
	Reverted  bool
	RevertErr error
}

// Scheduler drives the reconcile and lease loop of a Coordinator.
type Scheduler struct {
	c        *Coordinator
	clock    clock.Clock
	interval time.Duration
	wake     chan struct{}

	mu    sync.Mutex
	state SchedulerState
	ticks uint64
}

func newScheduler(c *Coordinator, clk clock.Clock, interval time.Duration) *Scheduler {
	return &Scheduler{
		c:        c,
		clock:    clk,
		interval: interval,
		wake:     make(chan struct{}, 1),
	}
}

// State returns the current state machine position.
func (s *Scheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ticks returns the number of completed ticks.
func (s *Scheduler) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Wake asks Run for an immediate tick. Wakes issued while one is pending
// coalesce.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Tick reconciles with the remote and evaluates the lease once.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	s.setState(SchedulerPolling)
	defer s.finishTick()

	var res TickResult
	if s.c.idle(s.clock.Now()) {
		res.SkippedIdle = true
	} else {
		res.Polled = true
		out := s.c.reconcile(ctx)
		res.PollErr = out.err
		res.Reconciled = out.reconciled
		res.Refreshed = out.refreshed
		res.Discarded = out.discarded
	}
	res.Warned, res.Reverted, res.RevertErr = s.c.evaluateLease(ctx, s.clock.Now())
	return res
}

// Run ticks immediately, then on every interval or wake until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.interval):
		case <-s.wake:
		}
		if ctx.Err() != nil {
			return
		}
		s.Tick(ctx)
	}
}

func (s *Scheduler) setState(state SchedulerState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Scheduler) finishTick() {
	s.mu.Lock()
	s.state = SchedulerIdle
	s.ticks++
	s.mu.Unlock()
}
