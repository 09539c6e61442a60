// Package connections holds the server-side bookkeeping for live duplex
// connections.
//
// A Table maps connection ids to Entries. Each Entry owns a Registry that maps
// client subscription ids to the execution handles returned by the engine.
// Entries are created when a connection opens the subscription channel and
// drained when the connection closes; draining hands every live handle back to
// the caller so none can leak.
//
// A Registry tracks one binding per subscription id. A binding moves through
// StateSubscribing (reserved, awaiting the engine) and StateActive (handle
// recorded). Each reservation carries a generation number; delivery callbacks
// present their generation and are accepted only while it is still current,
// which drops results from executions that were unsubscribed or replaced.
package connections
