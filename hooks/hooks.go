// Package hooks lets applications inspect, rewrite or reject subscription
// requests before the execution engine sees them.
package hooks

import (
	"context"

	"github.com/ggoodman/subscription-transport-go/protocol"
)

// SubscribeParams is what a subscribe hook receives: the client's request
// merged with the identifiers the server knows it by.
type SubscribeParams struct {
	protocol.Request
	SubscriptionID protocol.SubscriptionID
	ConnectionID   string
	// UserID is the caller identity bound to the connection, "" if anonymous.
	UserID string
}

// OnSubscribe is invoked for every subscribe request. The returned params
// replace the input for the rest of the subscribe flow. A non-nil error
// rejects the request and is reported to the client.
type OnSubscribe func(ctx context.Context, p SubscribeParams) (SubscribeParams, error)

// Chain composes hooks left to right. Each hook sees the params returned by
// the previous one; the first error stops the chain. Nil hooks are skipped.
func Chain(hs ...OnSubscribe) OnSubscribe {
	var live []OnSubscribe
	for _, h := range hs {
		if h != nil {
			live = append(live, h)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	}
	return func(ctx context.Context, p SubscribeParams) (SubscribeParams, error) {
		for _, h := range live {
			var err error
			if p, err = h(ctx, p); err != nil {
				return p, err
			}
		}
		return p, nil
	}
}
