package coordinator_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/maintd/api"
	"pkt.systems/maintd/client"
	"pkt.systems/maintd/coordinator"
	"pkt.systems/maintd/internal/httpapi"
	"pkt.systems/maintd/internal/statestore"
	"pkt.systems/maintd/internal/storage/memory"
)

func startServer(t *testing.T) (*httptest.Server, *statestore.Store) {
	t.Helper()
	store, err := statestore.New(statestore.Config{Backend: memory.New(), MaxLease: 24 * time.Hour})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	mux := http.NewServeMux()
	httpapi.New(httpapi.Config{Store: store}).Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, store
}

func TestCoordinatorsConvergeThroughServer(t *testing.T) {
	server, _ := startServer(t)
	ctx := context.Background()

	newCoordinator := func(cache coordinator.Cache) *coordinator.Coordinator {
		cli, err := client.New(server.URL)
		if err != nil {
			t.Fatalf("client: %v", err)
		}
		cfg := coordinator.DefaultConfig()
		cfg.IdleTimeout = 0
		c, err := coordinator.New(cfg, cli, coordinator.WithCache(cache))
		if err != nil {
			t.Fatalf("coordinator: %v", err)
		}
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	deviceA := newCoordinator(coordinator.NewMemoryCache())
	deviceB := newCoordinator(coordinator.NewMemoryCache())

	pending, err := deviceA.SetState(ctx, api.ModeMaintenance, time.Hour)
	if err != nil {
		t.Fatalf("set state: %v", err)
	}
	res, err := pending.Wait(ctx)
	if err != nil || !res.Applied {
		t.Fatalf("write not confirmed: %+v %v", res, err)
	}
	if !deviceA.State().LastUpdatedAt.Equal(res.AppliedAt) {
		t.Fatalf("confirmation not applied to the view")
	}
	if deviceA.Monitor().Status() != coordinator.StatusConnected {
		t.Fatalf("expected connected, got %s", deviceA.Monitor().Status())
	}

	tick := deviceB.Scheduler().Tick(ctx)
	if !tick.Reconciled {
		t.Fatalf("device b should pick up the remote state, got %+v", tick)
	}
	if !deviceB.State().Equal(deviceA.State()) {
		t.Fatalf("devices diverged: %+v vs %+v", deviceA.State(), deviceB.State())
	}
}

func TestRejectedWriteThroughServer(t *testing.T) {
	server, _ := startServer(t)
	cli, err := client.New(server.URL)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	c, err := coordinator.New(coordinator.DefaultConfig(), cli)
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	defer c.Close()

	pending, err := c.SetState(context.Background(), api.ModeMaintenance, 48*time.Hour)
	if err != nil {
		t.Fatalf("set state: %v", err)
	}
	_, err = pending.Wait(context.Background())
	if !errors.Is(err, coordinator.ErrRejected) {
		t.Fatalf("expected rejection for an overlong lease, got %v", err)
	}
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Response.Code != "lease_too_long" {
		t.Fatalf("expected lease_too_long, got %v", err)
	}
}

func TestUnreachableServerIsNotConfirmed(t *testing.T) {
	server, _ := startServer(t)
	url := server.URL
	server.Close()

	cli, err := client.New(url)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	c, err := coordinator.New(coordinator.DefaultConfig(), cli)
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	defer c.Close()

	pending, err := c.SetState(context.Background(), api.ModeMaintenance, 0)
	if err != nil {
		t.Fatalf("set state: %v", err)
	}
	_, err = pending.Wait(context.Background())
	var werr *coordinator.WriteError
	if !errors.As(err, &werr) || !werr.Warning() || !errors.Is(err, coordinator.ErrNotConfirmed) {
		t.Fatalf("expected a not-confirmed warning, got %v", err)
	}
	if c.State().Mode != api.ModeMaintenance {
		t.Fatalf("optimistic state lost")
	}
	if c.Monitor().Status() != coordinator.StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", c.Monitor().Status())
	}
}
