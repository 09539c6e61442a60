// Package transport carries JSON-RPC 2.0 messages over a persistent duplex
// connection and keeps that connection alive on the client side.
//
// A connection is a sequence of frames, each one JSON-RPC message. Two
// framings are provided: newline-delimited JSON over any byte stream
// (NewLineFrames) and websocket text messages (NewWebsocketFrames).
//
// Client dials through a Dialer, redials with exponential backoff after the
// connection drops, and re-opens every channel it had opened before telling
// its listeners that a new connection is up:
//
//	c := transport.NewClient(transport.WebsocketDialer{URL: "ws://localhost:8080/subscriptions"})
//	defer c.Close()
//
//	remove := c.OnMessage(func(m transport.Message) { ... })
//	defer remove()
//
//	if err := c.Subscribe(ctx, protocol.SubscriptionChannel); err != nil { ... }
//	c.Call(ctx, string(protocol.SubscribeMethod), params, func(err error) { ... })
package transport
