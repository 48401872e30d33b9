package clock

import (
	"sync"
	"time"
)

// Manual is a clock that only moves when told to. Timers created with After
// fire from Advance or Set once their deadline is reached.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*manualTimer
	waiters []*pendingWaiter
}

type manualTimer struct {
	at time.Time
	ch chan time.Time
}

type pendingWaiter struct {
	n  int
	ch chan struct{}
}

// NewManual returns a Manual clock positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After registers a timer d from the current manual time. Non-positive
// durations fire immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.timers = append(m.timers, &manualTimer{at: m.now.Add(d), ch: ch})
	m.notifyWaitersLocked()
	return ch
}

// Sleep blocks until the clock has been advanced by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	m.fireLocked()
	return m.now
}

// Set moves the clock to t. Moving backwards is ignored.
func (m *Manual) Set(t time.Time) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.After(m.now) {
		m.now = t.UTC()
	}
	m.fireLocked()
	return m.now
}

// Pending reports how many timers are waiting to fire.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// BlockUntil returns a channel that is closed once at least n timers are
// pending. Tests use it to wait for a goroutine to park on After.
func (m *Manual) BlockUntil(n int) <-chan struct{} {
	w := &pendingWaiter{n: n, ch: make(chan struct{})}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.timers) >= n {
		close(w.ch)
		return w.ch
	}
	m.waiters = append(m.waiters, w)
	return w.ch
}

func (m *Manual) fireLocked() {
	if len(m.timers) == 0 {
		return
	}
	remaining := m.timers[:0]
	for _, timer := range m.timers {
		if timer.at.After(m.now) {
			remaining = append(remaining, timer)
			continue
		}
		timer.ch <- m.now
	}
	m.timers = remaining
}

func (m *Manual) notifyWaitersLocked() {
	kept := m.waiters[:0]
	for _, w := range m.waiters {
		if len(m.timers) >= w.n {
			close(w.ch)
			continue
		}
		kept = append(kept, w)
	}
	m.waiters = kept
}
