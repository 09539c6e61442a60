package server

import (
	"log/slog"

	"github.com/ggoodman/subscription-transport-go/hooks"
	"github.com/ggoodman/subscription-transport-go/identity"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Records are enriched with connection and
// subscription data from the context.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithIdentityLookup resolves the caller identity of each subscribe request to
// a user record attached to the execution context.
func WithIdentityLookup(l identity.Lookup) Option {
	return func(c *Coordinator) { c.lookup = l }
}

// WithOnSubscribe installs a subscribe hook. Repeated use chains the hooks in
// the order given.
func WithOnSubscribe(h hooks.OnSubscribe) Option {
	return func(c *Coordinator) { c.onSubscribe = hooks.Chain(c.onSubscribe, h) }
}
