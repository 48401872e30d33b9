package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"pkt.systems/maintd/api"
	"pkt.systems/maintd/internal/clock"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeRemote behaves like the authoritative store: it stamps every write
// with the clock and returns what was last written.
type fakeRemote struct {
	clock clock.Clock

	mu       sync.Mutex
	state    api.State
	readErr  error
	writeErr error
	block    map[api.Mode]chan struct{}
	reads    int
	writes   []api.WriteRequest
}

func newFakeRemote(clk clock.Clock) *fakeRemote {
	return &fakeRemote{clock: clk, state: api.State{Mode: api.ModeNormal, LastUpdatedAt: clk.Now(), Source: "bootstrap"}}
}

func (f *fakeRemote) Read(ctx context.Context) (api.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readErr != nil {
		return api.State{}, f.readErr
	}
	return f.state, nil
}

func (f *fakeRemote) Write(ctx context.Context, req api.WriteRequest) (time.Time, error) {
	f.mu.Lock()
	gate := f.block[req.Mode]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, req)
	if f.writeErr != nil {
		return time.Time{}, f.writeErr
	}
	lease, err := req.Lease()
	if err != nil {
		return time.Time{}, err
	}
	now := f.clock.Now()
	if !now.After(f.state.LastUpdatedAt) {
		now = f.state.LastUpdatedAt.Add(time.Nanosecond)
	}
	f.state = api.State{Mode: req.Mode, LeaseExpiry: lease, LastUpdatedAt: now, Source: req.Source}
	return now, nil
}

// put simulates a write from another device.
func (f *fakeRemote) put(state api.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

func (f *fakeRemote) current() api.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeRemote) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeRemote) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeRemote) gate(mode api.Mode) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.block == nil {
		f.block = make(map[api.Mode]chan struct{})
	}
	ch := make(chan struct{})
	f.block[mode] = ch
	return ch
}

func (f *fakeRemote) setWriteErr(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

func (f *fakeRemote) setReadErr(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 0
	return cfg
}

func newTestCoordinator(t *testing.T, remote RemoteStore, clk clock.Clock, cfg Config, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithClock(clk)}, opts...)
	c, err := New(cfg, remote, opts...)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func mustWait(t *testing.T, p *Pending) (WriteResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := p.Wait(ctx)
	if err == context.DeadlineExceeded {
		t.Fatalf("pending write did not resolve")
	}
	return res, err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
