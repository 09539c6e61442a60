// Package client multiplexes many subscriptions over one transport
// connection.
//
// Each Subscribe call gets a connection-local integer id, allocated from 0
// upward and never reused. The multiplexer keeps every request it sent so
// that, when the transport comes back after a connection loss, every live
// subscription is re-sent with its original request and id. Results are
// routed to the handler registered for their id as a Result, which is either
// Ok (data) or Err (errors).
//
//	tr := transport.NewClient(transport.WebsocketDialer{URL: url})
//	m := client.New(tr)
//	id, err := m.Subscribe(ctx, protocol.Request{Query: q}, func(r client.Result) {
//	    if r.IsErr() { ... }
//	})
//	...
//	err = m.Unsubscribe(ctx, id)
package client
