package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/maintd/api"
	"pkt.systems/maintd/client"
	"pkt.systems/maintd/internal/clock"
	"pkt.systems/maintd/internal/svcfields"
)

// RemoteStore is the authoritative store. *client.Client implements it.
type RemoteStore interface {
	Read(ctx context.Context) (api.State, error)
	Write(ctx context.Context, req api.WriteRequest) (time.Time, error)
}

// Status is the connectivity indicator shown to operators.
type Status int

const (
	// StatusChecking means a remote call is in flight or none finished yet.
	StatusChecking Status = iota
	// StatusConnected means the last call reached the server.
	StatusConnected
	// StatusDisconnected means the last call failed to reach the server.
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusChecking:
		return "checking"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MonitorSnapshot summarizes the monitor for diagnostics.
type MonitorSnapshot struct {
	Status        Status
	LastError     error
	LastErrorKind client.Kind
	LastErrorAt   time.Time
	LastSuccessAt time.Time
}

// MonitorConfig tunes NewMonitor.
type MonitorConfig struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Clock        clock.Clock
	Logger       pslog.Logger
}

// Monitor wraps every remote call with a hard timeout and tracks whether
// the remote is reachable. It never retries.
type Monitor struct {
	remote       RemoteStore
	readTimeout  time.Duration
	writeTimeout time.Duration
	clock        clock.Clock
	logger       pslog.Logger
	metrics      *coordinatorMetrics

	notifyMu sync.Mutex
	mu       sync.Mutex
	snap     MonitorSnapshot
	subs     map[uint64]func(Status)
	nextSub  uint64
}

// NewMonitor returns a Monitor in the checking state.
func NewMonitor(remote RemoteStore, cfg MonitorConfig) *Monitor {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = client.DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = client.DefaultWriteTimeout
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "coordinator.monitor")
	return &Monitor{
		remote:       remote,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		clock:        clock.OrReal(cfg.Clock),
		logger:       logger,
		metrics:      newCoordinatorMetrics(logger),
		snap:         MonitorSnapshot{Status: StatusChecking},
		subs:         make(map[uint64]func(Status)),
	}
}

// Status returns the current indicator value.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Status
}

// Snapshot returns the full monitor state.
func (m *Monitor) Snapshot() MonitorSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Subscribe registers fn for status transitions.
func (m *Monitor) Subscribe(fn func(Status)) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = fn
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

type readResult struct {
	state api.State
	err   error
}

type writeResult struct {
	appliedAt time.Time
	err       error
}

// Read fetches the remote state within the read timeout.
func (m *Monitor) Read(ctx context.Context) (api.State, error) {
	prev := m.begin()
	callCtx, cancel := context.WithTimeout(ctx, m.readTimeout)
	defer cancel()
	start := m.clock.Now()
	ch := make(chan readResult, 1)
	go func() {
		state, err := m.remote.Read(callCtx)
		ch <- readResult{state: state, err: err}
	}()
	var res readResult
	select {
	case res = <-ch:
		res.err = normalizeCallError(ctx, callCtx, res.err)
	case <-callCtx.Done():
		res.err = boundError(ctx, callCtx)
	}
	m.finish(ctx, "read", prev, start, res.err)
	return res.state, res.err
}

// Write stores req within the write timeout and returns the server assigned
// update time.
func (m *Monitor) Write(ctx context.Context, req api.WriteRequest) (time.Time, error) {
	prev := m.begin()
	callCtx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()
	start := m.clock.Now()
	ch := make(chan writeResult, 1)
	go func() {
		appliedAt, err := m.remote.Write(callCtx, req)
		ch <- writeResult{appliedAt: appliedAt, err: err}
	}()
	var res writeResult
	select {
	case res = <-ch:
		res.err = normalizeCallError(ctx, callCtx, res.err)
	case <-callCtx.Done():
		res.err = boundError(ctx, callCtx)
	}
	m.finish(ctx, "write", prev, start, res.err)
	return res.appliedAt, res.err
}

// normalizeCallError maps a bare context error returned by the remote onto
// the timeout kind when the call bound expired.
func normalizeCallError(parent, callCtx context.Context, err error) error {
	if err == nil || callCtx.Err() == nil || client.KindOf(err) != client.KindUnknown {
		return err
	}
	return boundError(parent, callCtx)
}

func boundError(parent, callCtx context.Context) error {
	if err := parent.Err(); err != nil && errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", client.ErrTimeout, callCtx.Err())
}

func (m *Monitor) begin() Status {
	prev := m.Status()
	m.setStatus(StatusChecking, nil)
	return prev
}

func (m *Monitor) finish(ctx context.Context, op string, prev Status, start time.Time, err error) {
	kind := client.KindOf(err)
	elapsed := m.clock.Now().Sub(start)
	m.metrics.recordRemote(ctx, op, kind, elapsed)
	switch kind {
	case client.KindNone:
		m.setStatus(StatusConnected, func(s *MonitorSnapshot) {
			s.LastSuccessAt = m.clock.Now()
		})
		return
	case client.KindServerRejected:
		m.logger.Info("remote.rejected", "op", op, "error", err)
		m.setStatus(StatusConnected, m.recordError(err, kind))
		return
	case client.KindMalformedResponse:
		m.logger.Warn("remote.malformed_response", "op", op, "error", err)
	case client.KindTimeout:
		m.logger.Warn("remote.timeout", "op", op, "elapsed", elapsed)
	case client.KindTransport:
		m.logger.Warn("remote.transport_error", "op", op, "error", err)
	default:
		if errors.Is(err, context.Canceled) {
			m.setStatus(prev, nil)
			return
		}
		m.logger.Warn("remote.error", "op", op, "error", err)
	}
	m.setStatus(StatusDisconnected, m.recordError(err, kind))
}

func (m *Monitor) recordError(err error, kind client.Kind) func(*MonitorSnapshot) {
	return func(s *MonitorSnapshot) {
		s.LastError = err
		s.LastErrorKind = kind
		s.LastErrorAt = m.clock.Now()
	}
}

// setStatus updates the snapshot and notifies subscribers of a transition.
// notifyMu keeps notifications in transition order.
func (m *Monitor) setStatus(status Status, mutate func(*MonitorSnapshot)) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.mu.Lock()
	changed := m.snap.Status != status
	m.snap.Status = status
	if mutate != nil {
		mutate(&m.snap)
	}
	var fns []func(Status)
	if changed {
		fns = make([]func(Status), 0, len(m.subs))
		for _, id := range sortedKeys(m.subs) {
			fns = append(fns, m.subs[id])
		}
	}
	m.mu.Unlock()
	if changed {
		m.logger.Debug("remote.status", "status", status.String())
	}
	for _, fn := range fns {
		fn(status)
	}
}
