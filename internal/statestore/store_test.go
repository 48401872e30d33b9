package statestore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"pkt.systems/maintd/api"
	"pkt.systems/maintd/internal/clock"
	"pkt.systems/maintd/internal/storage"
	"pkt.systems/maintd/internal/storage/memory"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *clock.Manual, storage.Backend) {
	t.Helper()
	clk := clock.NewManual(epoch)
	backend := memory.New()
	store, err := New(Config{Backend: backend, Clock: clk})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, clk, backend
}

func leaseRequest(expiry time.Time, source string) api.WriteRequest {
	return api.NewWriteRequest(api.State{Mode: api.ModeMaintenance, LeaseExpiry: expiry, Source: source})
}

func TestReadMissingIsNormal(t *testing.T) {
	store, _, _ := newTestStore(t)
	state, err := store.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if state.Mode != api.ModeNormal || state.HasLease() || !state.LastUpdatedAt.IsZero() {
		t.Fatalf("unexpected initial state %+v", state)
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	store, clk, _ := newTestStore(t)
	ctx := context.Background()
	if err := store.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	first, _ := store.Read(ctx)
	if !first.LastUpdatedAt.Equal(epoch) {
		t.Fatalf("expected bootstrap timestamp %v, got %v", epoch, first.LastUpdatedAt)
	}
	clk.Advance(time.Minute)
	if err := store.Bootstrap(ctx); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	second, _ := store.Read(ctx)
	if !second.Equal(first) {
		t.Fatalf("bootstrap overwrote existing record: %+v vs %+v", second, first)
	}
}

func TestWriteAssignsLastUpdatedAt(t *testing.T) {
	store, clk, _ := newTestStore(t)
	ctx := context.Background()
	clk.Advance(5 * time.Second)
	expiry := clk.Now().Add(30 * time.Minute)
	state, err := store.Write(ctx, leaseRequest(expiry, "ops-console"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !state.LastUpdatedAt.Equal(clk.Now()) {
		t.Fatalf("expected server time %v, got %v", clk.Now(), state.LastUpdatedAt)
	}
	if !state.LeaseExpiry.Equal(expiry) || state.Source != "ops-console" {
		t.Fatalf("unexpected state %+v", state)
	}
	read, err := store.Read(ctx)
	if err != nil || !read.Equal(state) {
		t.Fatalf("read back mismatch %+v err=%v", read, err)
	}
}

func TestWriteTimestampsStrictlyIncrease(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	a, err := store.Write(ctx, api.WriteRequest{Mode: api.ModeMaintenance, Source: "a"})
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	b, err := store.Write(ctx, api.WriteRequest{Mode: api.ModeNormal, Source: "b"})
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if !b.LastUpdatedAt.After(a.LastUpdatedAt) {
		t.Fatalf("expected increasing timestamps with a stalled clock: %v then %v", a.LastUpdatedAt, b.LastUpdatedAt)
	}
}

func TestWriteValidation(t *testing.T) {
	store, clk, _ := newTestStore(t)
	expiry := api.FormatTime(clk.Now().Add(time.Hour))
	tooLong := api.FormatTime(clk.Now().Add(DefaultMaxLease + time.Hour))
	garbage := "soon"
	cases := []struct {
		name string
		req  api.WriteRequest
		want error
	}{
		{"bad mode", api.WriteRequest{Mode: "off"}, ErrInvalidMode},
		{"lease with normal", api.WriteRequest{Mode: api.ModeNormal, LeaseExpiry: &expiry}, ErrInvalidLease},
		{"unparseable lease", api.WriteRequest{Mode: api.ModeMaintenance, LeaseExpiry: &garbage}, ErrInvalidLeaseExpiry},
		{"lease too long", api.WriteRequest{Mode: api.ModeMaintenance, LeaseExpiry: &tooLong}, ErrLeaseTooLong},
	}
	for _, tc := range cases {
		if _, err := store.Write(context.Background(), tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestSweepExpiredRevertsOnce(t *testing.T) {
	store, clk, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := store.Write(ctx, leaseRequest(clk.Now().Add(10*time.Minute), "ops")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, reverted, err := store.SweepExpired(ctx); err != nil || reverted {
		t.Fatalf("sweep before expiry: reverted=%v err=%v", reverted, err)
	}
	clk.Advance(10 * time.Minute)
	state, reverted, err := store.SweepExpired(ctx)
	if err != nil || !reverted {
		t.Fatalf("sweep at expiry: reverted=%v err=%v", reverted, err)
	}
	if state.Mode != api.ModeNormal || state.HasLease() || state.Source != SweeperSource {
		t.Fatalf("unexpected reverted state %+v", state)
	}
	if _, reverted, err := store.SweepExpired(ctx); err != nil || reverted {
		t.Fatalf("second sweep should be a no-op: reverted=%v err=%v", reverted, err)
	}
}

func TestSweepLeavesManualMaintenance(t *testing.T) {
	store, clk, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := store.Write(ctx, api.WriteRequest{Mode: api.ModeMaintenance, Source: "ops"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	clk.Advance(365 * 24 * time.Hour)
	if _, reverted, err := store.SweepExpired(ctx); err != nil || reverted {
		t.Fatalf("indefinite maintenance must not be swept: reverted=%v err=%v", reverted, err)
	}
}

type conflictingBackend struct {
	storage.Backend
	failures int
}

func (c *conflictingBackend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if c.failures > 0 {
		c.failures--
		// Another writer sneaks in between our load and put.
		if _, err := c.Backend.PutObject(ctx, key, bytes.NewReader([]byte(`{"mode":"normal","last_updated_at":"2026-03-01T09:00:00Z","revision":99}`)), storage.PutObjectOptions{}); err != nil {
			return nil, err
		}
	}
	return c.Backend.PutObject(ctx, key, body, opts)
}

func TestWriteRetriesOnCASConflict(t *testing.T) {
	clk := clock.NewManual(epoch)
	backend := &conflictingBackend{Backend: memory.New(), failures: 2}
	store, err := New(Config{Backend: backend, Clock: clk})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	state, err := store.Write(context.Background(), api.WriteRequest{Mode: api.ModeMaintenance, Source: "ops"})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if state.Mode != api.ModeMaintenance {
		t.Fatalf("expected maintenance, got %+v", state)
	}
	read, _ := store.Read(context.Background())
	if read.Mode != api.ModeMaintenance || read.Source != "ops" {
		t.Fatalf("unexpected stored state %+v", read)
	}
}

func TestWriteGivesUpAfterCASAttempts(t *testing.T) {
	backend := &conflictingBackend{Backend: memory.New(), failures: 100}
	store, err := New(Config{Backend: backend, Clock: clock.NewManual(epoch), CASAttempts: 3})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := store.Write(context.Background(), api.WriteRequest{Mode: api.ModeMaintenance}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCorruptRecordSurfacesError(t *testing.T) {
	store, _, backend := newTestStore(t)
	if _, err := backend.PutObject(context.Background(), ObjectKey, bytes.NewReader([]byte("{")), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.Read(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}
}

type conflictingDeleteBackend struct {
	storage.Backend
	failures int
	deletes  int
}

func (c *conflictingDeleteBackend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	c.deletes++
	if c.failures > 0 {
		c.failures--
		return storage.ErrCASMismatch
	}
	return c.Backend.DeleteObject(ctx, key, opts)
}

func TestResetRemovesRecord(t *testing.T) {
	store, clk, _ := newTestStore(t)
	ctx := context.Background()
	if removed, err := store.Reset(ctx); err != nil || removed {
		t.Fatalf("reset of an empty store: removed=%v err=%v", removed, err)
	}
	if _, err := store.Write(ctx, leaseRequest(epoch.Add(time.Hour), "ops")); err != nil {
		t.Fatalf("write: %v", err)
	}
	removed, err := store.Reset(ctx)
	if err != nil || !removed {
		t.Fatalf("reset: removed=%v err=%v", removed, err)
	}
	state, err := store.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if state.Mode != api.ModeNormal || state.HasLease() || !state.LastUpdatedAt.IsZero() {
		t.Fatalf("expected a fresh NORMAL state, got %+v", state)
	}
	clk.Advance(time.Second)
	if err := store.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap after reset: %v", err)
	}
	if state, _ := store.Read(ctx); !state.LastUpdatedAt.Equal(epoch.Add(time.Second)) {
		t.Fatalf("bootstrap should recreate the record, got %+v", state)
	}
}

func TestResetClearsCorruptRecord(t *testing.T) {
	store, _, backend := newTestStore(t)
	ctx := context.Background()
	if _, err := backend.PutObject(ctx, ObjectKey, bytes.NewReader([]byte("{")), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if removed, err := store.Reset(ctx); err != nil || !removed {
		t.Fatalf("reset: removed=%v err=%v", removed, err)
	}
	if _, err := store.Read(ctx); err != nil {
		t.Fatalf("read after reset: %v", err)
	}
}

func TestResetRetriesOnCASConflict(t *testing.T) {
	backend := &conflictingDeleteBackend{Backend: memory.New(), failures: 2}
	store, err := New(Config{Backend: backend, Clock: clock.NewManual(epoch), CASAttempts: 3})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := store.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if removed, err := store.Reset(ctx); err != nil || !removed || backend.deletes != 3 {
		t.Fatalf("reset: removed=%v err=%v deletes=%d", removed, err, backend.deletes)
	}

	backend.failures = 100
	if err := store.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := store.Reset(ctx); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}
