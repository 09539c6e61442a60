// Package server multiplexes many subscriptions over each client connection.
//
// A Coordinator owns the per-connection bookkeeping: which subscription ids
// are live on a connection and which engine execution serves each of them.
// It starts and stops executions on an Engine and routes their results back
// to the right connection, tagged with the client's subscription id.
//
// Handler runs the wire protocol for one physical connection on top of a
// Coordinator:
//
//	coord, err := server.NewCoordinator(engine,
//	    server.WithLogger(log),
//	    server.WithIdentityLookup(users),
//	    server.WithOnSubscribe(policy.OnSubscribe),
//	)
//	h := server.NewHandler(coord)
//	err = h.Serve(ctx, frames, userID)
//
// Invariants
//
//   - At most one execution is live per (connection, subscription id). A
//     second subscribe with the same id stops the first execution before
//     starting the new one.
//   - Results from a stopped or superseded execution are dropped.
//   - Closing a connection stops every execution it owns.
//   - Subscribe and unsubscribe are processed one at a time per connection;
//     result delivery runs concurrently across subscriptions.
package server
