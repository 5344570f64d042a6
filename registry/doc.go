// Package registry owns node identity records and the heartbeat write path.
//
// # Overview
//
// Nodes are keyed naturally by IP address. A heartbeat from an unseen
// address creates a node; one from a known address refreshes it in place.
// The read-modify-write happens inside the store as one atomic step, so
// racing heartbeats for the same address never produce two records and the
// stored heartbeat time is always the latest one applied.
//
// # Basic Usage
//
//	reg := registry.New(st, registry.WithEvents(broker), registry.WithLogger(log))
//	node, created, err := reg.UpsertByIP(ctx, registry.Refresh{
//	    IP:   "10.0.0.5",
//	    Name: &name,
//	}, clock.Now())
//
// Refresh by identity token, never creating:
//
//	node, err := reg.UpsertByID(ctx, id, nil, clock.Now())
//	if errors.Is(err, errors.ErrCodeNotFound) {
//	    // fall back to UpsertByIP
//	}
//
// Operators toggle participation with SetActive. Inactive nodes keep their
// records but are skipped by the sweep.
package registry
