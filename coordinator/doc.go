// Package coordinator keeps a maintenance flag consistent between several
// observers on one device, a remote authoritative store and a lease that
// turns maintenance off by itself.
//
// Each observer owns a Coordinator. Coordinators on the same device share a
// Cache: NewMemoryCache within a process, NewFileCache across processes.
// Every cache write is broadcast to the other observers before it returns,
// so a SetState on one coordinator is visible in State of every other
// coordinator on the same cache as soon as SetState returns.
//
// The remote store is the only authoritative copy. SetState applies the new
// state locally first and writes it to the remote in the background; the
// returned Pending reports whether the remote confirmed it. A Scheduler
// polls the remote every PollInterval and lets the remote win whenever the
// two disagree on mode or lease. While an optimistic write is unconfirmed its
// cache Entry carries a ConfirmBy deadline, and no coordinator on that cache
// lets a poll overwrite it before the writer settles or the deadline passes.
//
//	cli, _ := client.New("http://maintd:9350")
//	coord, err := coordinator.New(coordinator.DefaultConfig(), cli,
//	    coordinator.WithCache(shared))
//	if err != nil {
//	    return err
//	}
//	defer coord.Close()
//	coord.OnPreExpiry(func(n coordinator.PreExpiryNotification) {
//	    log.Printf("maintenance ends in %s", n.Remaining)
//	})
//	if err := coord.Start(ctx); err != nil {
//	    return err
//	}
//	pending, err := coord.SetState(ctx, api.ModeMaintenance, 30*time.Minute)
//	if err != nil {
//	    return err
//	}
//	if _, err := pending.Wait(ctx); errors.Is(err, coordinator.ErrNotConfirmed) {
//	    log.Print("applied locally, remote not reachable yet")
//	}
//
// A lease that runs out is reverted to NORMAL through the same path as a
// manual SetState(ModeNormal). Any observer may do it; the revert is
// idempotent.
package coordinator
