package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"pkt.systems/maintd/api"
	"pkt.systems/maintd/client"
	"pkt.systems/maintd/internal/clock"
)

func TestLeaseWarningFiresOnceThenReverts(t *testing.T) {
	clk := clock.NewManual(epoch)
	remote := newFakeRemote(clk)
	c := newTestCoordinator(t, remote, clk, testConfig())
	ctx := context.Background()

	var mu sync.Mutex
	var warnings []PreExpiryNotification
	c.OnPreExpiry(func(n PreExpiryNotification) {
		mu.Lock()
		warnings = append(warnings, n)
		mu.Unlock()
	})
	warnCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(warnings)
	}

	pending, err := c.SetState(ctx, api.ModeMaintenance, 1800*time.Second)
	if err != nil {
		t.Fatalf("set state: %v", err)
	}
	if _, err := mustWait(t, pending); err != nil {
		t.Fatalf("write: %v", err)
	}
	expiry := epoch.Add(1800 * time.Second)
	if got := c.State(); got.Mode != api.ModeMaintenance || !got.LeaseExpiry.Equal(expiry) {
		t.Fatalf("unexpected state after set: %+v", got)
	}

	clk.Set(epoch.Add(1500 * time.Second))
	if res := c.Scheduler().Tick(ctx); res.Warned || res.Reverted {
		t.Fatalf("no warning expected at exactly the threshold: %+v", res)
	}
	if warnCount() != 0 {
		t.Fatalf("expected no warning at +1500s")
	}

	clk.Set(epoch.Add(1501 * time.Second))
	for i := 0; i < 100; i++ {
		res := c.Scheduler().Tick(ctx)
		if res.Reverted {
			t.Fatalf("unexpected revert on tick %d", i)
		}
		clk.Advance(time.Second)
	}
	if warnCount() != 1 {
		t.Fatalf("expected exactly one warning, got %d", warnCount())
	}
	mu.Lock()
	first := warnings[0]
	mu.Unlock()
	if !first.LeaseExpiry.Equal(expiry) || first.Remaining != 299*time.Second {
		t.Fatalf("unexpected notification %+v", first)
	}

	clk.Set(epoch.Add(1801 * time.Second))
	res := c.Scheduler().Tick(ctx)
	if !res.Reverted || res.RevertErr != nil {
		t.Fatalf("expected revert, got %+v", res)
	}
	got := c.State()
	if got.Mode != api.ModeNormal || got.HasLease() || !got.LeaseExpiry.IsZero() {
		t.Fatalf("expected NORMAL without lease, got %+v", got)
	}
	if r := remote.current(); r.Mode != api.ModeNormal {
		t.Fatalf("expected revert written to remote, got %+v", r)
	}
	if !got.LastUpdatedAt.Equal(remote.current().LastUpdatedAt) {
		t.Fatalf("expected confirmed timestamp on view")
	}
	if warnCount() != 1 {
		t.Fatalf("revert must not emit another warning")
	}
}

func TestSetStateVisibleToCacheSharersBeforeReturn(t *testing.T) {
	clk := clock.NewManual(epoch)
	remote := newFakeRemote(clk)
	cache := NewMemoryCache()
	a := newTestCoordinator(t, remote, clk, testConfig(), WithCache(cache))
	b := newTestCoordinator(t, remote, clk, testConfig(), WithCache(cache))

	gate := remote.gate(api.ModeMaintenance)
	defer close(gate)
	reads, writes := remote.readCount(), remote.writeCount()
	if _, err := a.SetState(context.Background(), api.ModeMaintenance, 0); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if got := b.State(); got.Mode != api.ModeMaintenance {
		t.Fatalf("observer b did not see the change synchronously: %+v", got)
	}
	if got, ok := cache.Get(); !ok || got.State.Mode != api.ModeMaintenance {
		t.Fatalf("cache not updated: %+v %v", got, ok)
	}
	if remote.readCount() != reads || remote.writeCount() != writes {
		t.Fatalf("observer b must not reach the remote: reads %d->%d writes %d->%d",
			reads, remote.readCount(), writes, remote.writeCount())
	}
	if snap := b.Monitor().Snapshot(); snap.Status != StatusChecking || !snap.LastSuccessAt.IsZero() || snap.LastError != nil {
		t.Fatalf("observer b's monitor recorded a call: %+v", snap)
	}
}

func TestPeerPollWaitsForUnconfirmedWrite(t *testing.T) {
	clk := clock.NewManual(epoch)
	remote := newFakeRemote(clk)
	cache := NewMemoryCache()
	a := newTestCoordinator(t, remote, clk, testConfig(), WithCache(cache))
	b := newTestCoordinator(t, remote, clk, testConfig(), WithCache(cache))
	ctx := context.Background()

	gate := remote.gate(api.ModeMaintenance)
	pending, err := a.SetState(ctx, api.ModeMaintenance, 0)
	if err != nil {
		t.Fatalf("set state: %v", err)
	}
	if entry, _ := cache.Get(); !entry.Unconfirmed(clk.Now()) {
		t.Fatalf("optimistic write should be marked unconfirmed: %+v", entry)
	}
	res := b.Scheduler().Tick(ctx)
	if !res.Discarded || res.Reconciled {
		t.Fatalf("b must not overwrite a's unconfirmed write, got %+v", res)
	}
	if got := a.State(); got.Mode != api.ModeMaintenance {
		t.Fatalf("a lost its in-flight write: %+v", got)
	}
	if got := b.State(); got.Mode != api.ModeMaintenance {
		t.Fatalf("b regressed to the stale remote value: %+v", got)
	}

	close(gate)
	result, err := mustWait(t, pending)
	if err != nil || !result.Applied {
		t.Fatalf("a's write should confirm: %+v %v", result, err)
	}
	if entry, _ := cache.Get(); entry.Unconfirmed(clk.Now()) || entry.State.Mode != api.ModeMaintenance {
		t.Fatalf("confirmation should clear the marker: %+v", entry)
	}
	res = b.Scheduler().Tick(ctx)
	if res.Discarded || res.Reconciled {
		t.Fatalf("b should be in sync after confirmation, got %+v", res)
	}
	if remote.current().Mode != api.ModeMaintenance || !b.State().Equal(a.State()) {
		t.Fatalf("observers diverged from remote: a=%+v b=%+v remote=%+v", a.State(), b.State(), remote.current())
	}
}

func TestFailedWriteReleasesPeerPolls(t *testing.T) {
	clk := clock.NewManual(epoch)
	remote := newFakeRemote(clk)
	remote.setWriteErr(fmt.Errorf("%w: connection refused", client.ErrTransport))
	cache := NewMemoryCache()
	a := newTestCoordinator(t, remote, clk, testConfig(), WithCache(cache))
	b := newTestCoordinator(t, remote, clk, testConfig(), WithCache(cache))

	pending, err := a.SetState(context.Background(), api.ModeMaintenance, 0)
	if err != nil {
		t.Fatalf("set state: %v", err)
	}
	if _, err := mustWait(t, pending); !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("expected not confirmed, got %v", err)
	}
	if entry, _ := cache.Get(); entry.Unconfirmed(clk.Now()) {
		t.Fatalf("failed write left the marker behind: %+v", entry)
	}
	if res := b.Scheduler().Tick(context.Background()); !res.Reconciled {
		t.Fatalf("b should reconcile once the write failed, got %+v", res)
	}
	if a.State().Mode != api.ModeNormal {
		t.Fatalf("remote should win on the shared cache, got %+v", a.State())
	}
}

func TestStaleUnconfirmedMarkerExpires(t *testing.T) {
	clk := clock.NewManual(epoch)
	remote := newFakeRemote(clk)
	cache := NewMemoryCache()
	stale := Entry{
		State:     api.State{Mode: api.ModeMaintenance, Source: "crashed"},
		Origin:    "crashed",
		ConfirmBy: epoch.Add(client.DefaultWriteTimeout),
	}
	if err := cache.Set(stale); err != nil {
		t.Fatalf("seed: %v", err)
	}
	c := newTestCoordinator(t, remote, clk, testConfig(), WithCache(cache))
	if res := c.Scheduler().Tick(context.Background()); !res.Discarded {
		t.Fatalf("expected discard inside the confirmation window, got %+v", res)
	}
	clk.Advance(client.DefaultWriteTimeout)
	if res := c.Scheduler().Tick(context.Background()); !res.Reconciled {
		t.Fatalf("expired marker should not block reconcile, got %+v", res)
	}
	if c.State().Mode != api.ModeNormal {
		t.Fatalf("expected remote NORMAL, got %+v", c.State())
	}
}

func TestNewStartsFromCache(t *testing.T) {
	clk := clock.NewManual(epoch)
	cache := NewMemoryCache()
	seeded := api.State{Mode: api.ModeMaintenance, LastUpdatedAt: epoch, Source: "seed"}
	if err := cache.Set(Entry{State: seeded, Origin: "seed"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	c := newTestCoordinator(t, newFakeRemote(clk), clk, testConfig(), WithCache(cache))
	if got := c.State(); !got.Equal(seeded) {
		t.Fatalf("expected seeded state, got %+v", got)
	}

	empty := newTestCoordinator(t, newFakeRemote(clk), clk, testConfig())
	if got := empty.State(); got.Mode != api.ModeNormal {
		t.Fatalf("expected NORMAL from an empty cache, got %+v", got)
	}
}

func TestRemoteWinsOnPoll(t *testing.T) {
	clk := clock.NewManual(epoch)
	remote := newFakeRemote(clk)
	cache := NewMemoryCache()
	a := newTestCoordinator(t, remote, clk, testConfig(), WithCache(cache))
	b := newTestCoordinator(t, remote, clk, testConfig(), WithCache(cache))

	var causes []ChangeCause
	b.Subscribe(func(ch Change) { causes = append(causes, ch.Cause) })

	elsewhere := api.State{
		Mode:          api.ModeMaintenance,
		LeaseExpiry:   epoch.Add(time.Hour),
		LastUpdatedAt: epoch.Add(time.Second),
		Source:        "other-device",
	}
	remote.put(elsewhere)
	res := a.Scheduler().Tick(context.Background())
	if !res.Polled || !res.Reconciled || res.PollErr != nil {
		t.Fatalf("expected reconcile, got %+v", res)
	}
	if got := a.State(); !got.Equal(elsewhere) {
		t.Fatalf("expected remote state, got %+v", got)
	}
	if got := b.State(); !got.Equal(elsewhere) {
		t.Fatalf("observer b should follow the cache, got %+v", got)
	}
	if len(causes) != 1 || causes[0] != CauseBroadcast {
		t.Fatalf("expected one broadcast change on b, got %v", causes)
	}
	if a.LastSyncedAt().IsZero() {
		t.Fatalf("expected last synced time")
	}

	res = a.Scheduler().Tick(context.Background())
	if res.Reconciled || res.Refreshed {
		t.Fatalf("second tick should be in sync, got %+v", res)
	}
}

func TestPollRefreshesMetadataOnly(t *testing.T) {
	clk := clock.NewManual(epoch)
	remote := newFakeRemote(clk)
	c := newTestCoordinator(t, remote, clk, testConfig())
	c.Scheduler().Tick(context.Background())

	remote.put(api.State{Mode: api.ModeNormal, LastUpdatedAt: epoch.Add(time.Minute), Source: "sweeper"})
	res := c.Scheduler().Tick(context.Background())
	if res.Reconciled || !res.Refreshed {
		t.Fatalf("expected metadata refresh, got %+v", res)
	}
	if got := c.State(); got.Source != "sweeper" || !got.LastUpdatedAt.Equal(epoch.Add(time.Minute)) {
		t.Fatalf("metadata not refreshed: %+v", got)
	}
}

func TestPollDiscardedWhileWriteInFlight(t *testing.T) {
	clk := clock.NewManual(epoch)
	remote := newFakeRemote(clk)
	c := newTestCoordinator(t, remote, clk, testConfig())

	gate := remote.gate(api.ModeMaintenance)
	pending, err := c.SetState(context.Background(), api.ModeMaintenance, 0)
	if err != nil {
		t.Fatalf("set state: %v", err)
	}
	res := c.Scheduler().Tick(context.Background())
	if !res.Discarded {
		t.Fatalf("expected discarded poll, got %+v", res)
	}
	if got := c.State(); got.Mode != api.ModeMaintenance {
		t.Fatalf("stale poll overwrote the optimistic state: %+v", got)
	}
	close(gate)
	if _, err := mustWait(t, pending); err != nil {
		t.Fatalf("write: %v", err)
	}
	res = c.Scheduler().Tick(context.Background())
	if res.Discarded || res.Reconciled {
		t.Fatalf("expected in-sync tick after confirmation, got %+v", res)
	}
}

func TestWriteFailureKeepsOptimisticState(t *testing.T) {
	clk := clock.NewManual(epoch)
	remote := newFakeRemote(clk)
	remote.setWriteErr(fmt.Errorf("%w: connection refused", client.ErrTransport))
	c := newTestCoordinator(t, remote, clk, testConfig())

	pending, err := c.SetState(context.Background(), api.ModeMaintenance, 10*time.Minute)
	if err != nil {
		t.Fatalf("set state: %v", err)
	}
	_, err = mustWait(t, pending)
	if !errors.Is(err, ErrNotConfirmed) || errors.Is(err, ErrRejected) {
		t.Fatalf("expected not confirmed, got %v", err)
	}
	var werr *WriteError
	if !errors.As(err, &werr) || !werr.Warning() || werr.Kind != client.KindTransport {
		t.Fatalf("unexpected write error %#v", err)
	}
	if got := c.State(); got.Mode != api.ModeMaintenance {
		t.Fatalf("optimistic state lost: %+v", got)
	}
	if c.Monitor().Status() != StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", c.Monitor().Status())
	}
}

func TestRejectedWriteIsNotRolledBack(t *testing.T) {
	clk := clock.NewManual(epoch)
	remote := newFakeRemote(clk)
	remote.setWriteErr(&client.APIError{Status: http.StatusBadRequest, Response: api.ErrorResponse{Code: "lease_too_long"}})
	c := newTestCoordinator(t, remote, clk, testConfig())

	pending, err := c.SetState(context.Background(), api.ModeMaintenance, time.Hour)
	if err != nil {
		t.Fatalf("set state: %v", err)
	}
	_, err = mustWait(t, pending)
	if !errors.Is(err, ErrRejected) || errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("expected rejected, got %v", err)
	}
	var werr *WriteError
	if !errors.As(err, &werr) || werr.Warning() {
		t.Fatalf("rejection must not be a warning: %v", err)
	}
	if got := c.State(); got.Mode != api.ModeMaintenance {
		t.Fatalf("rejected write rolled back: %+v", got)
	}
	if c.Monitor().Status() != StatusConnected {
		t.Fatalf("a rejection proves the channel works, got %s", c.Monitor().Status())
	}

	res := c.Scheduler().Tick(context.Background())
	if !res.Reconciled || c.State().Mode != api.ModeNormal {
		t.Fatalf("next poll should restore the remote state, got %+v %+v", res, c.State())
	}
}

func TestStaleConfirmationIsIgnored(t *testing.T) {
	clk := clock.NewManual(epoch)
	remote := newFakeRemote(clk)
	c := newTestCoordinator(t, remote, clk, testConfig())
	ctx := context.Background()

	first := remote.gate(api.ModeMaintenance)
	p1, err := c.SetState(ctx, api.ModeMaintenance, 0)
	if err != nil {
		t.Fatalf("first set: %v", err)
	}
	p2, err := c.SetState(ctx, api.ModeNormal, 0)
	if err != nil {
		t.Fatalf("second set: %v", err)
	}
	r2, err := mustWait(t, p2)
	if err != nil || !r2.Applied {
		t.Fatalf("second write should apply: %+v %v", r2, err)
	}
	clk.Advance(time.Second)
	close(first)
	r1, err := mustWait(t, p1)
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	if r1.Applied {
		t.Fatalf("late confirmation must not apply")
	}
	if got := c.State(); got.Mode != api.ModeNormal || !got.LastUpdatedAt.Equal(r2.AppliedAt) {
		t.Fatalf("view regressed to the stale write: %+v", got)
	}
}

func TestExpiredLeaseRevertIsIdempotentAcrossObservers(t *testing.T) {
	clk := clock.NewManual(epoch)
	remote := newFakeRemote(clk)
	cache := NewMemoryCache()
	a := newTestCoordinator(t, remote, clk, testConfig(), WithCache(cache))
	b := newTestCoordinator(t, remote, clk, testConfig(), WithCache(cache))
	ctx := context.Background()

	pending, _ := a.SetState(ctx, api.ModeMaintenance, time.Minute)
	if _, err := mustWait(t, pending); err != nil {
		t.Fatalf("write: %v", err)
	}
	writes := remote.writeCount()
	clk.Advance(2 * time.Minute)

	if res := a.Scheduler().Tick(ctx); !res.Reverted {
		t.Fatalf("a should revert, got %+v", res)
	}
	if res := b.Scheduler().Tick(ctx); res.Reverted {
		t.Fatalf("b must not revert again, got %+v", res)
	}
	if got := remote.writeCount() - writes; got != 1 {
		t.Fatalf("expected one revert write, got %d", got)
	}
	if a.State().Mode != api.ModeNormal || b.State().Mode != api.ModeNormal {
		t.Fatalf("both observers should be NORMAL")
	}
}

func TestRevertWithoutRemote(t *testing.T) {
	clk := clock.NewManual(epoch)
	remote := newFakeRemote(clk)
	c := newTestCoordinator(t, remote, clk, testConfig())
	ctx := context.Background()

	pending, _ := c.SetState(ctx, api.ModeMaintenance, time.Minute)
	_, _ = mustWait(t, pending)
	remote.setReadErr(fmt.Errorf("%w: unreachable", client.ErrTransport))
	remote.setWriteErr(fmt.Errorf("%w: unreachable", client.ErrTransport))
	clk.Advance(time.Minute)

	res := c.Scheduler().Tick(ctx)
	if res.PollErr == nil || !res.Reverted {
		t.Fatalf("expected failed poll and local revert, got %+v", res)
	}
	if !errors.Is(res.RevertErr, ErrNotConfirmed) {
		t.Fatalf("expected unconfirmed revert, got %v", res.RevertErr)
	}
	if c.State().Mode != api.ModeNormal {
		t.Fatalf("expected local NORMAL while offline")
	}
}

func TestWarningGuardFollowsLease(t *testing.T) {
	clk := clock.NewManual(epoch)
	remote := newFakeRemote(clk)
	c := newTestCoordinator(t, remote, clk, testConfig())
	ctx := context.Background()
	warned := 0
	c.OnPreExpiry(func(PreExpiryNotification) { warned++ })

	p, _ := c.SetState(ctx, api.ModeMaintenance, 4*time.Minute)
	_, _ = mustWait(t, p)
	c.Scheduler().Tick(ctx)
	c.Scheduler().Tick(ctx)
	if warned != 1 {
		t.Fatalf("expected one warning, got %d", warned)
	}

	p, _ = c.SetState(ctx, api.ModeMaintenance, 3*time.Minute)
	_, _ = mustWait(t, p)
	c.Scheduler().Tick(ctx)
	if warned != 2 {
		t.Fatalf("a new lease should warn again, got %d", warned)
	}
}

func TestIdleGateSkipsPollButKeepsLease(t *testing.T) {
	clk := clock.NewManual(epoch)
	remote := newFakeRemote(clk)
	cfg := testConfig()
	cfg.IdleTimeout = 10 * time.Minute
	c := newTestCoordinator(t, remote, clk, cfg)
	ctx := context.Background()

	p, _ := c.SetState(ctx, api.ModeMaintenance, 20*time.Minute)
	_, _ = mustWait(t, p)
	clk.Advance(11 * time.Minute)
	reads := remote.readCount()
	res := c.Scheduler().Tick(ctx)
	if !res.SkippedIdle || res.Polled || remote.readCount() != reads {
		t.Fatalf("expected idle skip, got %+v", res)
	}

	clk.Advance(10 * time.Minute)
	res = c.Scheduler().Tick(ctx)
	if !res.SkippedIdle || !res.Reverted {
		t.Fatalf("lease must revert while idle, got %+v", res)
	}

	c.Touch()
	if res := c.Scheduler().Tick(ctx); !res.Polled {
		t.Fatalf("activity should resume polling, got %+v", res)
	}
}

func TestOwnEchoesAreIgnored(t *testing.T) {
	clk := clock.NewManual(epoch)
	remote := newFakeRemote(clk)
	cache := NewMemoryCache()
	a := newTestCoordinator(t, remote, clk, testConfig(), WithCache(cache))
	b := newTestCoordinator(t, remote, clk, testConfig(), WithCache(cache))

	var aCauses, bCauses []ChangeCause
	var mu sync.Mutex
	a.Subscribe(func(ch Change) { mu.Lock(); aCauses = append(aCauses, ch.Cause); mu.Unlock() })
	b.Subscribe(func(ch Change) { mu.Lock(); bCauses = append(bCauses, ch.Cause); mu.Unlock() })

	p, _ := a.SetState(context.Background(), api.ModeMaintenance, 0)
	_, _ = mustWait(t, p)

	mu.Lock()
	defer mu.Unlock()
	for _, cause := range aCauses {
		if cause == CauseBroadcast {
			t.Fatalf("a processed its own echo: %v", aCauses)
		}
	}
	if len(aCauses) != 2 || aCauses[0] != CauseLocal || aCauses[1] != CauseConfirmed {
		t.Fatalf("unexpected changes on a: %v", aCauses)
	}
	if len(bCauses) != 2 || bCauses[0] != CauseBroadcast || bCauses[1] != CauseBroadcast {
		t.Fatalf("unexpected changes on b: %v", bCauses)
	}
	if !b.State().Equal(a.State()) {
		t.Fatalf("observers diverged: %+v vs %+v", a.State(), b.State())
	}
}

func TestSetStateValidation(t *testing.T) {
	clk := clock.NewManual(epoch)
	c := newTestCoordinator(t, newFakeRemote(clk), clk, testConfig())
	ctx := context.Background()
	if _, err := c.SetState(ctx, api.Mode("degraded"), 0); !errors.Is(err, api.ErrInvalidMode) {
		t.Fatalf("expected invalid mode, got %v", err)
	}
	if _, err := c.SetState(ctx, api.ModeNormal, time.Minute); !errors.Is(err, ErrInvalidLease) {
		t.Fatalf("expected invalid lease, got %v", err)
	}
	if _, err := c.SetState(ctx, api.ModeMaintenance, -time.Second); !errors.Is(err, ErrInvalidLease) {
		t.Fatalf("expected invalid lease for negative duration, got %v", err)
	}
	if c.State().Mode != api.ModeNormal {
		t.Fatalf("invalid requests must not change state")
	}
}

func TestStartRunsImmediateTickAndWake(t *testing.T) {
	clk := clock.NewManual(epoch)
	remote := newFakeRemote(clk)
	c := newTestCoordinator(t, remote, clk, testConfig())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected already started, got %v", err)
	}
	waitFor(t, "mount read", func() bool { return remote.readCount() >= 1 })
	<-clk.BlockUntil(1)

	c.Wake()
	waitFor(t, "wake tick", func() bool { return remote.readCount() >= 2 })
	<-clk.BlockUntil(2)

	clk.Advance(DefaultPollInterval)
	waitFor(t, "interval tick", func() bool { return remote.readCount() >= 3 })

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := c.SetState(context.Background(), api.ModeMaintenance, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed on restart, got %v", err)
	}
}

func TestWriteErrorMatching(t *testing.T) {
	notConfirmed := &WriteError{Kind: client.KindTimeout, Err: client.ErrTimeout}
	if !errors.Is(notConfirmed, ErrNotConfirmed) || !errors.Is(notConfirmed, client.ErrTimeout) {
		t.Fatalf("timeout should match ErrNotConfirmed and unwrap to ErrTimeout")
	}
	rejected := &WriteError{Kind: client.KindServerRejected, Err: &client.APIError{Status: 400}}
	if !errors.Is(rejected, ErrRejected) || !errors.Is(rejected, client.ErrServerRejected) {
		t.Fatalf("rejection should match ErrRejected and ErrServerRejected")
	}
}
