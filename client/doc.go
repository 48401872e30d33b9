// Package client talks to the maintd RemoteStateStore over HTTP.
//
// The client is deliberately thin. It performs exactly one request per call,
// bounds every call with a hard timeout, and never retries; the coordinator
// package decides what to do with failures.
//
//	cli, err := client.New("http://127.0.0.1:9350")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	state, err := cli.Read(ctx)
//	switch client.KindOf(err) {
//	case client.KindNone:
//	    fmt.Println(state.Mode)
//	case client.KindTimeout, client.KindTransport:
//	    // remote unreachable, keep using the local replica
//	}
//
// Writes return the server assigned lastUpdatedAt:
//
//	req := api.NewWriteRequest(api.State{
//	    Mode:        api.ModeMaintenance,
//	    LeaseExpiry: time.Now().Add(30 * time.Minute),
//	    Source:      "ops-console",
//	})
//	appliedAt, err := cli.Write(ctx, req)
//
// Rejected writes surface as *APIError, which matches ErrServerRejected:
//
//	var apiErr *client.APIError
//	if errors.As(err, &apiErr) {
//	    log.Printf("rejected: %s (%d)", apiErr.Response.Code, apiErr.Status)
//	}
//
// Callers that need credentials attach them with WithHeader, for example
// WithHeader("Authorization", "Bearer ...").
package client
