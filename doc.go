// Package maintd runs the authoritative maintenance-state service: a small
// HTTP API in front of a storage backend that holds one record saying whether
// the fleet is serving normally or is in maintenance, optionally bounded by a
// lease that reverts to normal on its own.
//
// # Running a server
//
//	cfg := maintd.Config{
//	    Store:  "disk:///var/lib/maintd",
//	    Listen: ":9343",
//	}
//	srv, err := maintd.NewServer(cfg, maintd.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("maintd: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// StartServer does the same and waits until the listener is bound:
//
//	srv, stop, err := maintd.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//	fmt.Println(srv.ListenerAddr())
//
// # Storage
//
// The Store URL picks the backend:
//
//	mem://                                in-process, lost on restart
//	disk:///var/lib/maintd                local directory, flock protected
//	s3://minio:9000/bucket/prefix?insecure=true
//	aws://bucket/prefix?region=eu-north-1
//	azure://account/container/prefix
//
// Every write is a compare-and-swap on a single object, so several servers
// can share one bucket. A sweeper periodically reverts expired leases so the
// stored record converges even when no client is polling.
//
// # Clients
//
// Devices use package client to talk to the API and package coordinator to
// keep a local view consistent with it.
package maintd
