package maintd

import (
	"context"
	"fmt"

	"pkt.systems/maintd/internal/clock"
	"pkt.systems/maintd/internal/statestore"
	"pkt.systems/maintd/internal/svcfields"
)

// ResetStore deletes the maintenance record held by the backend cfg names,
// so the fleet reads NORMAL until the next write. It is meant for operators
// recovering a store whose record is stale or corrupt; running servers keep
// working and recreate the record on their next write. It reports whether a
// record was removed.
func ResetStore(ctx context.Context, cfg Config, opts ...Option) (bool, error) {
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := svcfields.EnsureLogger(o.Logger)
	clk := clock.OrReal(o.Clock)

	backend := o.Backend
	owned := false
	if backend == nil {
		var err error
		backend, err = openBackend(ctx, cfg)
		if err != nil {
			return false, err
		}
		owned = true
	}
	backend = wrapBackend(backend, cfg, logger, clk)
	if owned {
		defer backend.Close()
	}

	store, err := statestore.New(statestore.Config{
		Backend:     backend,
		Clock:       clk,
		Logger:      logger,
		MaxLease:    cfg.MaxLease,
		CASAttempts: cfg.CASAttempts,
	})
	if err != nil {
		return false, err
	}
	removed, err := store.Reset(ctx)
	if err != nil {
		return false, fmt.Errorf("reset state: %w", err)
	}
	svcfields.WithSubsystem(logger, "server.reset").Info("store reset", "store", redactStore(cfg.Store), "removed", removed)
	return removed, nil
}
