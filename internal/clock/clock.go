// Package clock provides the time source used by the scheduler, the store and
// the sweeper. Production code uses Real; tests drive Manual.
package clock

import "time"

// Clock is the subset of the time package the coordinator depends on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real reads the wall clock.
type Real struct{}

// Now returns the current time in UTC.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After behaves like time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep behaves like time.Sleep.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// OrReal returns c, or Real when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
