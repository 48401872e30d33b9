package maintd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/maintd/api"
	"pkt.systems/maintd/client"
	"pkt.systems/maintd/internal/clock"
	"pkt.systems/maintd/internal/storage/memory"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func maintenanceFor(clk clock.Clock, d time.Duration, source string) api.WriteRequest {
	return api.NewWriteRequest(api.State{Mode: api.ModeMaintenance, LeaseExpiry: clk.Now().Add(d), Source: source})
}

func TestStartServerServesState(t *testing.T) {
	ctx := context.Background()
	srv, stop, err := StartServer(ctx, Config{Listen: "127.0.0.1:0", Store: "mem://"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stop(context.Background())

	cli, err := client.New(srv.URL())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	state, err := cli.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if state.Mode != api.ModeNormal || state.LastUpdatedAt.IsZero() {
		t.Fatalf("expected bootstrapped normal state, got %+v", state)
	}
	applied, err := cli.Write(ctx, maintenanceFor(clock.Real{}, time.Hour, "test"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	state, err = cli.Read(ctx)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if state.Mode != api.ModeMaintenance || !state.LastUpdatedAt.Equal(applied) || state.Source != "test" {
		t.Fatalf("unexpected state after write %+v (applied %s)", state, applied)
	}
	if srv.LastActivity().IsZero() {
		t.Fatalf("requests should record activity")
	}

	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, err := cli.Read(ctx); client.KindOf(err) != client.KindTransport {
		t.Fatalf("expected transport error after shutdown, got %v", err)
	}
}

func TestStartServerListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	_, _, err = StartServer(context.Background(), Config{Listen: ln.Addr().String()})
	if err == nil {
		t.Fatalf("expected address in use error")
	}
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	if _, err := NewServer(Config{Store: "gopher://x"}); err == nil {
		t.Fatalf("expected config error")
	}
}

func TestServerHandlerWithInjectedBackend(t *testing.T) {
	backend := memory.New()
	srv, err := NewServer(Config{}, WithBackend(backend))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// The caller owns an injected backend, so the bootstrapped record survives.
	state, err := srv.Store().Read(context.Background())
	if err != nil || state.LastUpdatedAt.IsZero() {
		t.Fatalf("injected backend was closed by the server: %+v %v", state, err)
	}
}

func TestSweepOnceRevertsExpiredLease(t *testing.T) {
	clk := clock.NewManual(testEpoch)
	srv, err := NewServer(Config{}, WithClock(clk))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer srv.Close()
	ctx := context.Background()
	if _, err := srv.Store().Write(ctx, maintenanceFor(clk, time.Minute, "ops")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, reverted := srv.sweepOnce(ctx); reverted {
		t.Fatalf("lease has not expired yet")
	}
	clk.Advance(time.Minute)
	state, reverted := srv.sweepOnce(ctx)
	if !reverted || state.Mode != api.ModeNormal || state.HasLease() {
		t.Fatalf("expected revert to normal, got %+v reverted=%v", state, reverted)
	}
	if _, reverted := srv.sweepOnce(ctx); reverted {
		t.Fatalf("second sweep must be a no-op")
	}
}

func TestSweeperLoopRunsOnInterval(t *testing.T) {
	clk := clock.NewManual(testEpoch)
	srv, err := NewServer(Config{Listen: "127.0.0.1:0", SweeperInterval: 10 * time.Second}, WithClock(clk))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.WaitUntilReady(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if _, err := srv.Store().Write(ctx, maintenanceFor(clk, 5*time.Second, "ops")); err != nil {
		t.Fatalf("write: %v", err)
	}
	<-clk.BlockUntil(1)
	clk.Advance(10 * time.Second)
	// The sweeper re-arms its timer after each iteration.
	<-clk.BlockUntil(1)
	state, err := srv.Store().Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if state.Mode != api.ModeNormal {
		t.Fatalf("expected the sweeper to revert the lease, got %+v", state)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		t.Fatalf("start returned %v", err)
	}
}
