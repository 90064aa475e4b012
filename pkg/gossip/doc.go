// Package gossip implements the anti-entropy membership tracker used by
// zephyrpace to estimate how many instances of the service are alive.
//
// Every node keeps a table of nodeID -> last-seen unix second. On a fixed
// interval the node refreshes its own entry, pushes the whole table to a
// single rendezvous peer and merges the reply. Inbound pushes are merged and
// answered with the full local table, so one round trip reconciles both
// sides. Entries newer than twice the gossip interval count as live.
//
// Typical usage:
//
//	g, _ := gossip.New(gossip.Config{
//		Self:      gossip.NewNodeID(),
//		Interval:  time.Second,
//		Peers:     gossip.StaticPeer("pool.internal:8080"),
//		Transport: gossip.NewHTTPTransport(nil),
//	})
//	g.Start(ctx)
//	defer g.Stop()
//
// The in-process transport is meant for tests; production deployments use
// the HTTP transport or the gRPC one in internal/rpc.
package gossip
