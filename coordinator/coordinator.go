package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/pslog"

	"pkt.systems/maintd/api"
	"pkt.systems/maintd/client"
	"pkt.systems/maintd/internal/clock"
	"pkt.systems/maintd/internal/svcfields"
)

const (
	// DefaultPollInterval is the reconcile cadence.
	DefaultPollInterval = 10 * time.Second
	// DefaultWarnThreshold is how long before expiry the warning fires.
	DefaultWarnThreshold = 5 * time.Minute
	// DefaultIdleTimeout is the inactivity window after which polling pauses.
	DefaultIdleTimeout = 30 * time.Minute
)

var (
	// ErrNotConfirmed marks a write that was applied locally but did not
	// reach the remote store.
	ErrNotConfirmed = errors.New("coordinator: applied locally, not yet confirmed by the remote store")
	// ErrRejected marks a write refused by the remote store. The local state
	// is not rolled back; the next poll corrects it.
	ErrRejected = errors.New("coordinator: remote store rejected the write")
	// ErrInvalidLease is returned for a negative lease or a lease with
	// normal mode.
	ErrInvalidLease = errors.New("coordinator: lease is only valid as a positive duration in maintenance mode")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("coordinator: closed")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("coordinator: already started")
)

// Config tunes a Coordinator. Zero durations take the defaults, except
// IdleTimeout where zero disables the idle gate. DefaultConfig fills every
// field.
type Config struct {
	PollInterval  time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	WarnThreshold time.Duration
	IdleTimeout   time.Duration
	// Source labels writes from this coordinator. Defaults to "maintd/<id>".
	Source string
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		PollInterval:  DefaultPollInterval,
		ReadTimeout:   client.DefaultReadTimeout,
		WriteTimeout:  client.DefaultWriteTimeout,
		WarnThreshold: DefaultWarnThreshold,
		IdleTimeout:   DefaultIdleTimeout,
	}
}

// Option customises New.
type Option func(*options)

type options struct {
	cache  Cache
	clock  clock.Clock
	logger pslog.Logger
	id     string
}

// WithCache shares cache with other coordinators. The caller keeps
// ownership and closes it. Without this option each coordinator gets a
// private MemoryCache.
func WithCache(cache Cache) Option {
	return func(o *options) { o.cache = cache }
}

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithLogger sets the base logger.
func WithLogger(logger pslog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithID fixes the origin identifier used to recognise own broadcasts.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// ChangeCause says why the view changed.
type ChangeCause int

const (
	// CauseLocal is a SetState call on this coordinator.
	CauseLocal ChangeCause = iota
	// CauseBroadcast is a write by another observer sharing the cache.
	CauseBroadcast
	// CauseRemote is a poll that found the remote different.
	CauseRemote
	// CauseConfirmed is a remote confirmation carrying lastUpdatedAt.
	CauseConfirmed
	// CauseExpired is the automatic revert of an expired lease.
	CauseExpired
)

func (c ChangeCause) String() string {
	switch c {
	case CauseLocal:
		return "local"
	case CauseBroadcast:
		return "broadcast"
	case CauseRemote:
		return "remote"
	case CauseConfirmed:
		return "confirmed"
	case CauseExpired:
		return "expired"
	default:
		return fmt.Sprintf("cause(%d)", int(c))
	}
}

// Change is delivered to Subscribe callbacks.
type Change struct {
	Previous api.State
	Current  api.State
	Cause    ChangeCause
}

// PreExpiryNotification warns that the lease is about to run out. It fires
// at most once per lease.
type PreExpiryNotification struct {
	LeaseExpiry time.Time
	Remaining   time.Duration
	At          time.Time
}

// WriteResult is the outcome of a confirmed remote write.
type WriteResult struct {
	// State is the state that was written, with the server assigned
	// LastUpdatedAt.
	State     api.State
	AppliedAt time.Time
	// Applied is false when a newer local change superseded the write
	// before its confirmation arrived.
	Applied bool
}

// WriteError is the outcome of a failed remote write.
type WriteError struct {
	Kind  client.Kind
	State api.State
	Err   error
}

func (e *WriteError) Error() string {
	if e.Kind == client.KindServerRejected {
		return fmt.Sprintf("%v: %v", ErrRejected, e.Err)
	}
	return fmt.Sprintf("%v: %v", ErrNotConfirmed, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Is matches ErrNotConfirmed or ErrRejected.
func (e *WriteError) Is(target error) bool {
	switch target {
	case ErrRejected:
		return e.Kind == client.KindServerRejected
	case ErrNotConfirmed:
		return e.Kind != client.KindServerRejected
	}
	return false
}

// Warning reports whether the failure is transient: the state stays applied
// locally and will be reconciled once the remote is reachable.
func (e *WriteError) Warning() bool {
	return e.Kind != client.KindServerRejected
}

// Pending tracks an asynchronous remote write.
type Pending struct {
	done chan struct{}
	res  WriteResult
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Done is closed once the outcome is known.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the outcome is known or ctx ends.
func (p *Pending) Wait(ctx context.Context) (WriteResult, error) {
	select {
	case <-p.done:
		return p.res, p.err
	case <-ctx.Done():
		return WriteResult{}, ctx.Err()
	}
}

func (p *Pending) resolve(res WriteResult, err error) {
	p.res, p.err = res, err
	close(p.done)
}

// Snapshot summarizes a coordinator for diagnostics.
type Snapshot struct {
	ID           string
	State        api.State
	Monitor      MonitorSnapshot
	Scheduler    SchedulerState
	LastSyncedAt time.Time
	LastActivity time.Time
	InFlight     int
	Started      bool
}

// Coordinator keeps one observer's view of the maintenance state consistent
// with the device cache and the remote store.
type Coordinator struct {
	cfg       Config
	id        string
	cache     Cache
	ownsCache bool
	monitor   *Monitor
	scheduler *Scheduler
	clock     clock.Clock
	logger    pslog.Logger
	metrics   *coordinatorMetrics

	// applyMu orders local view updates with their cache writes. It is held
	// across cache.Set; mu never is.
	applyMu sync.Mutex

	mu           sync.Mutex
	view         api.State
	writeSeq     uint64
	viewSeq      uint64
	inflight     int
	// confirmBy mirrors the ConfirmBy of the last cache entry. While it is in
	// the future some observer on the device has an unconfirmed write.
	confirmBy    time.Time
	lastSyncedAt time.Time
	lastActivity time.Time
	warnedFor    time.Time
	changeSubs   map[uint64]func(Change)
	warnSubs     map[uint64]func(PreExpiryNotification)
	nextSub      uint64
	started      bool
	closed       bool
	cancel       context.CancelFunc
	done         chan struct{}

	unsubCache func()
}

// New builds a coordinator. The view starts from the cache, or NORMAL when
// the cache is empty. Call Start to begin polling.
func New(cfg Config, remote RemoteStore, opts ...Option) (*Coordinator, error) {
	if remote == nil {
		return nil, fmt.Errorf("coordinator: remote store required")
	}
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = client.DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = client.DefaultWriteTimeout
	}
	if cfg.WarnThreshold <= 0 {
		cfg.WarnThreshold = DefaultWarnThreshold
	}
	if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	}
	id := o.id
	if id == "" {
		id = xid.New().String()
	}
	if cfg.Source == "" {
		cfg.Source = "maintd/" + id
	}
	clk := clock.OrReal(o.clock)
	logger := svcfields.WithSubsystem(o.logger, "coordinator").With("observer", id)

	cache, owns := o.cache, false
	if cache == nil {
		cache, owns = NewMemoryCache(), true
	}
	c := &Coordinator{
		cfg:       cfg,
		id:        id,
		cache:     cache,
		ownsCache: owns,
		clock:     clk,
		logger:    logger,
		monitor: NewMonitor(remote, MonitorConfig{
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			Clock:        clk,
			Logger:       o.logger,
		}),
		view:         api.NormalState(),
		lastActivity: clk.Now(),
		changeSubs:   make(map[uint64]func(Change)),
		warnSubs:     make(map[uint64]func(PreExpiryNotification)),
	}
	c.metrics = c.monitor.metrics
	c.scheduler = newScheduler(c, clk, cfg.PollInterval)
	if entry, ok := cache.Get(); ok {
		c.view = entry.State
		c.confirmBy = entry.ConfirmBy
	}
	c.unsubCache = cache.Subscribe(c.onCacheEvent)
	return c, nil
}

// ID returns the origin identifier of this coordinator.
func (c *Coordinator) ID() string {
	return c.id
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// State returns the current view without touching the network.
func (c *Coordinator) State() api.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// LastSyncedAt is the last time the view was confirmed against the remote.
func (c *Coordinator) LastSyncedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSyncedAt
}

// Monitor exposes the connectivity indicator.
func (c *Coordinator) Monitor() *Monitor {
	return c.monitor
}

// Scheduler exposes the tick loop, mostly for tests and tooling.
func (c *Coordinator) Scheduler() *Scheduler {
	return c.scheduler
}

// Snapshot returns diagnostics.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		ID:           c.id,
		State:        c.view,
		LastSyncedAt: c.lastSyncedAt,
		LastActivity: c.lastActivity,
		InFlight:     c.inflight,
		Started:      c.started,
	}
	c.mu.Unlock()
	snap.Monitor = c.monitor.Snapshot()
	snap.Scheduler = c.scheduler.State()
	return snap
}

// Subscribe registers fn for view changes. Callbacks run synchronously on
// the goroutine that caused the change and must not call SetState directly.
func (c *Coordinator) Subscribe(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.changeSubs[id] = fn
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.changeSubs, id)
			c.mu.Unlock()
		})
	}
}

// OnPreExpiry registers fn for lease warnings.
func (c *Coordinator) OnPreExpiry(fn func(PreExpiryNotification)) func() {
	if fn == nil {
		return func() {}
	}
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.warnSubs[id] = fn
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.warnSubs, id)
			c.mu.Unlock()
		})
	}
}

// Touch records operator activity for the idle gate.
func (c *Coordinator) Touch() {
	c.mu.Lock()
	c.lastActivity = c.clock.Now()
	c.mu.Unlock()
}

// Wake records activity and requests an immediate tick.
func (c *Coordinator) Wake() {
	c.Touch()
	c.scheduler.Wake()
}

// Start launches the scheduler. The first tick runs immediately.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.started = true
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.logger.Debug("coordinator.start", "poll_interval", c.cfg.PollInterval, "source", c.cfg.Source)
	go func() {
		defer close(done)
		c.scheduler.Run(runCtx)
	}()
	return nil
}

// Close stops the scheduler and detaches from the cache. In-flight remote
// writes finish in the background but are no longer applied.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.unsubCache()
	if c.ownsCache {
		return c.cache.Close()
	}
	return nil
}

// SetState applies mode and lease to the view and the cache, broadcasts the
// change, and writes it to the remote in the background. A zero lease means
// no auto-revert.
func (c *Coordinator) SetState(ctx context.Context, mode api.Mode, lease time.Duration) (*Pending, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", api.ErrInvalidMode, mode)
	}
	if lease < 0 || (lease > 0 && mode != api.ModeMaintenance) {
		return nil, ErrInvalidLease
	}
	c.Touch()
	return c.apply(ctx, mode, lease, CauseLocal)
}

func (c *Coordinator) apply(ctx context.Context, mode api.Mode, lease time.Duration, cause ChangeCause) (*Pending, error) {
	now := c.clock.Now()
	state := api.State{Mode: mode, Source: c.cfg.Source}
	if lease > 0 {
		state.LeaseExpiry = now.Add(lease)
	}

	c.applyMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.applyMu.Unlock()
		return nil, ErrClosed
	}
	prev := c.view
	state.LastUpdatedAt = prev.LastUpdatedAt
	c.writeSeq++
	c.viewSeq++
	seq := c.writeSeq
	c.inflight++
	c.view = state
	if mode == api.ModeNormal {
		c.warnedFor = time.Time{}
	}
	c.mu.Unlock()
	c.writeCache(Entry{State: state, Origin: c.id, ConfirmBy: now.Add(c.cfg.WriteTimeout)})
	c.applyMu.Unlock()

	c.logger.Info("coordinator.state.applied",
		"mode", state.Mode,
		"lease_expiry", leaseField(state),
		"cause", cause.String(),
	)
	c.notifyChange(Change{Previous: prev, Current: state, Cause: cause})

	pending := newPending()
	go c.push(context.WithoutCancel(ctx), seq, state, pending)
	return pending, nil
}

func (c *Coordinator) push(ctx context.Context, seq uint64, state api.State, pending *Pending) {
	appliedAt, err := c.monitor.Write(ctx, api.NewWriteRequest(state))

	c.mu.Lock()
	c.inflight--
	c.mu.Unlock()

	if err != nil {
		werr := &WriteError{Kind: client.KindOf(err), State: state, Err: err}
		if werr.Warning() {
			c.logger.Warn("coordinator.write.not_confirmed", "mode", state.Mode, "error", err)
		} else {
			c.logger.Error("coordinator.write.rejected", "mode", state.Mode, "error", err)
		}
		c.settle(seq, state)
		pending.resolve(WriteResult{State: state}, werr)
		return
	}
	confirmed, applied := c.confirm(seq, state, appliedAt)
	pending.resolve(WriteResult{State: confirmed, AppliedAt: appliedAt, Applied: applied}, nil)
}

// confirm stamps the server time onto the view unless a newer change has
// replaced the written state in the meantime.
func (c *Coordinator) confirm(seq uint64, state api.State, appliedAt time.Time) (api.State, bool) {
	confirmed := state
	confirmed.LastUpdatedAt = appliedAt

	c.applyMu.Lock()
	c.mu.Lock()
	if c.closed || c.writeSeq != seq || !c.view.SameFlag(state) || c.view.Source != state.Source {
		c.mu.Unlock()
		c.applyMu.Unlock()
		c.logger.Debug("coordinator.write.superseded", "mode", state.Mode, "applied_at", appliedAt)
		return confirmed, false
	}
	prev := c.view
	c.view = confirmed
	c.viewSeq++
	c.lastSyncedAt = c.clock.Now()
	c.mu.Unlock()
	c.writeCache(Entry{State: confirmed, Origin: c.id})
	c.applyMu.Unlock()

	c.notifyChange(Change{Previous: prev, Current: confirmed, Cause: CauseConfirmed})
	return confirmed, true
}

// settle clears the unconfirmed marker of a failed write that is still the
// current view, so observers sharing the cache resume reconciling.
func (c *Coordinator) settle(seq uint64, state api.State) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	c.mu.Lock()
	current := !c.closed && c.writeSeq == seq && c.view.Equal(state)
	c.mu.Unlock()
	if current {
		c.writeCache(Entry{State: state, Origin: c.id})
	}
}

// writeCache must be called with applyMu held.
func (c *Coordinator) writeCache(entry Entry) {
	if err := c.cache.Set(entry); err != nil {
		c.logger.Warn("coordinator.cache.write_failed", "error", err)
	}
}

type pollOutcome struct {
	err        error
	reconciled bool
	refreshed  bool
	discarded  bool
}

// reconcile reads the remote and lets it win. The result is dropped when the
// view changed during the read, a local write is still in flight, or the
// cache holds another observer's unconfirmed write.
func (c *Coordinator) reconcile(ctx context.Context) pollOutcome {
	c.mu.Lock()
	startSeq := c.viewSeq
	c.mu.Unlock()

	remote, err := c.monitor.Read(ctx)
	if err != nil {
		return pollOutcome{err: err}
	}

	c.applyMu.Lock()
	c.mu.Lock()
	peerPending := c.clock.Now().Before(c.confirmBy)
	if c.closed || c.viewSeq != startSeq || c.inflight > 0 || peerPending {
		c.mu.Unlock()
		c.applyMu.Unlock()
		c.metrics.recordReconcile(ctx, "discarded")
		c.logger.Debug("coordinator.poll.discarded", "remote_mode", remote.Mode, "peer_pending", peerPending)
		return pollOutcome{discarded: true}
	}
	c.lastSyncedAt = c.clock.Now()
	prev := c.view
	if prev.Equal(remote) {
		c.mu.Unlock()
		c.applyMu.Unlock()
		c.metrics.recordReconcile(ctx, "in_sync")
		return pollOutcome{}
	}
	c.view = remote
	c.viewSeq++
	if !remote.HasLease() {
		c.warnedFor = time.Time{}
	}
	c.mu.Unlock()
	c.writeCache(Entry{State: remote, Origin: c.id})
	c.applyMu.Unlock()

	out := pollOutcome{reconciled: !prev.SameFlag(remote)}
	out.refreshed = !out.reconciled
	if out.reconciled {
		c.metrics.recordReconcile(ctx, "overwritten")
		c.logger.Info("coordinator.poll.remote_wins",
			"mode", remote.Mode,
			"lease_expiry", leaseField(remote),
			"local_mode", prev.Mode,
		)
	} else {
		c.metrics.recordReconcile(ctx, "refreshed")
	}
	c.notifyChange(Change{Previous: prev, Current: remote, Cause: CauseRemote})
	return out
}

// evaluateLease fires the pre-expiry warning or reverts an expired lease.
func (c *Coordinator) evaluateLease(ctx context.Context, now time.Time) (warned, reverted bool, err error) {
	c.mu.Lock()
	view := c.view
	if c.closed || !view.HasLease() {
		c.mu.Unlock()
		return false, false, nil
	}
	remaining := view.Remaining(now)
	if remaining <= 0 {
		c.mu.Unlock()
		c.logger.Info("coordinator.lease.expired", "lease_expiry", view.LeaseExpiry)
		pending, err := c.apply(ctx, api.ModeNormal, 0, CauseExpired)
		if err != nil {
			return false, false, err
		}
		c.metrics.recordRevert(ctx)
		_, err = pending.Wait(ctx)
		return false, true, err
	}
	if remaining >= c.cfg.WarnThreshold || c.warnedFor.Equal(view.LeaseExpiry) {
		c.mu.Unlock()
		return false, false, nil
	}
	c.warnedFor = view.LeaseExpiry
	fns := make([]func(PreExpiryNotification), 0, len(c.warnSubs))
	for _, id := range sortedKeys(c.warnSubs) {
		fns = append(fns, c.warnSubs[id])
	}
	c.mu.Unlock()

	note := PreExpiryNotification{LeaseExpiry: view.LeaseExpiry, Remaining: remaining, At: now}
	c.metrics.recordWarning(ctx)
	c.logger.Info("coordinator.lease.pre_expiry", "lease_expiry", view.LeaseExpiry, "remaining", remaining)
	for _, fn := range fns {
		fn(note)
	}
	return true, false, nil
}

func (c *Coordinator) idle(now time.Time) bool {
	if c.cfg.IdleTimeout <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivity) >= c.cfg.IdleTimeout
}

// onCacheEvent applies every cache write to the view so the view follows the
// cache order. Own echoes are applied silently.
func (c *Coordinator) onCacheEvent(ev Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	prev := c.view
	c.view = ev.State
	c.confirmBy = ev.ConfirmBy
	if ev.Origin == c.id {
		c.mu.Unlock()
		return
	}
	c.viewSeq++
	if !ev.State.HasLease() {
		c.warnedFor = time.Time{}
	}
	c.mu.Unlock()
	if prev.Equal(ev.State) {
		return
	}
	c.logger.Debug("coordinator.broadcast.applied", "mode", ev.State.Mode, "origin", ev.Origin)
	c.notifyChange(Change{Previous: prev, Current: ev.State, Cause: CauseBroadcast})
}

func (c *Coordinator) notifyChange(ch Change) {
	c.mu.Lock()
	fns := make([]func(Change), 0, len(c.changeSubs))
	for _, id := range sortedKeys(c.changeSubs) {
		fns = append(fns, c.changeSubs[id])
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

func sortedKeys[V any](m map[uint64]V) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func leaseField(s api.State) any {
	if !s.HasLease() {
		return nil
	}
	return s.LeaseExpiry
}
