package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/ggoodman/subscription-transport-go/connections"
	"github.com/ggoodman/subscription-transport-go/hooks"
	"github.com/ggoodman/subscription-transport-go/identity"
	"github.com/ggoodman/subscription-transport-go/internal/logctx"
	"github.com/ggoodman/subscription-transport-go/protocol"
)

var (
	// ErrEngineRequired is returned by NewCoordinator without an engine.
	ErrEngineRequired = errors.New("server: an execution engine is required")
	// ErrChannelNotOpen is returned for subscription requests on a
	// connection that has not opened the subscription channel.
	ErrChannelNotOpen = errors.New("subscription channel not open")
	// ErrSubscribeRejected wraps identity and hook failures.
	ErrSubscribeRejected = errors.New("subscribe rejected")
	// ErrSubscribeFailed wraps engine start failures.
	ErrSubscribeFailed = errors.New("subscribe failed")
)

// Context keys under which the caller identity is attached to the execution
// context.
const (
	ContextUserIDKey = "userId"
	ContextUserKey   = "user"
)

// Coordinator maps client subscription ids to engine executions for every
// open connection.
type Coordinator struct {
	engine      Engine
	table       *connections.Table
	lookup      identity.Lookup
	onSubscribe hooks.OnSubscribe
	log         *slog.Logger
}

// NewCoordinator builds a Coordinator around engine.
func NewCoordinator(engine Engine, opts ...Option) (*Coordinator, error) {
	if engine == nil {
		return nil, ErrEngineRequired
	}
	c := &Coordinator{
		engine: engine,
		table:  connections.NewTable(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logctx.Wrap(c.log)
	return c, nil
}

// Open allocates the bookkeeping for connID. Re-opening an open connection
// is a no-op; the result reports whether an entry was created.
func (c *Coordinator) Open(connID, userID string, sender connections.Sender) bool {
	_, created := c.table.Open(connID, userID, sender)
	return created
}

// IsOpen reports whether connID has an entry.
func (c *Coordinator) IsOpen(connID string) bool {
	_, ok := c.table.Get(connID)
	return ok
}

// Connections returns the number of open connections.
func (c *Coordinator) Connections() int { return c.table.Len() }

// Subscriptions returns the subscription ids bound on connID, in ascending
// order.
func (c *Coordinator) Subscriptions(connID string) []protocol.SubscriptionID {
	e, ok := c.table.Get(connID)
	if !ok {
		return nil
	}
	return e.Registry().IDs()
}

// Close stops every execution owned by connID and removes its entry.
func (c *Coordinator) Close(ctx context.Context, connID string) error {
	handles, err := c.table.Close(connID)
	if err != nil {
		return err
	}
	for _, h := range handles {
		c.stop(ctx, h)
	}
	c.log.InfoContext(ctx, "coordinator.conn.close", slog.Int("stopped", len(handles)))
	return nil
}

// HandleSubscribe starts the execution for p on connID, replacing any
// execution already bound to p.ID. It returns once the engine has started
// the execution; results flow to the connection's sender afterwards.
func (c *Coordinator) HandleSubscribe(ctx context.Context, connID string, p protocol.SubscribeParams) error {
	start := time.Now()
	ctx = logctx.WithSubscriptionData(ctx, &logctx.SubscriptionData{SubscriptionID: int64(p.ID), OperationName: p.OperationName})

	entry, ok := c.table.Get(connID)
	if !ok {
		return ErrChannelNotOpen
	}

	entry.LockControl()
	defer entry.UnlockControl()

	params := hooks.SubscribeParams{
		Request:        p.Request,
		SubscriptionID: p.ID,
		ConnectionID:   connID,
		UserID:         entry.UserID(),
	}
	params.Context = maps.Clone(p.Context)

	if params.UserID != "" {
		if params.Context == nil {
			params.Context = make(map[string]any, 2)
		}
		params.Context[ContextUserIDKey] = params.UserID
		if c.lookup != nil {
			user, err := c.lookup.LookupUser(ctx, params.UserID)
			if err != nil {
				c.log.InfoContext(ctx, "coordinator.subscribe.identity_fail", slog.String("err", err.Error()))
				return fmt.Errorf("%w: %w", ErrSubscribeRejected, err)
			}
			params.Context[ContextUserKey] = user
		}
	}

	if c.onSubscribe != nil {
		out, err := c.onSubscribe(ctx, params)
		if err != nil {
			c.log.InfoContext(ctx, "coordinator.subscribe.rejected", slog.String("err", err.Error()))
			return fmt.Errorf("%w: %w", ErrSubscribeRejected, err)
		}
		params.Request = out.Request
	}

	reg := entry.Registry()
	gen, prev, hadPrev, err := reg.Begin(p.ID)
	if err != nil {
		return ErrChannelNotOpen
	}
	if hadPrev {
		c.log.DebugContext(ctx, "coordinator.subscribe.replace")
		c.stop(ctx, prev)
	}

	target := deliveryTarget{connID: connID, subID: p.ID, gen: gen}
	h, err := c.engine.Subscribe(ctx, ExecutionParams{
		Request:        params.Request,
		SubscriptionID: p.ID,
		ConnectionID:   connID,
		Callback:       c.callbackFor(target),
	})
	if err != nil {
		reg.Abort(p.ID, gen)
		c.log.InfoContext(ctx, "coordinator.subscribe.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	if err := reg.Activate(p.ID, gen, h); err != nil {
		// The connection closed while the engine was starting.
		c.stop(ctx, h)
		return ErrChannelNotOpen
	}

	c.log.InfoContext(ctx, "coordinator.subscribe.ok", slog.Bool("replaced", hadPrev), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return nil
}

// HandleUnsubscribe stops the execution bound to id on connID. Unknown ids
// and unknown connections are a no-op.
func (c *Coordinator) HandleUnsubscribe(ctx context.Context, connID string, id protocol.SubscriptionID) error {
	ctx = logctx.WithSubscriptionData(ctx, &logctx.SubscriptionData{SubscriptionID: int64(id)})

	entry, ok := c.table.Get(connID)
	if !ok {
		return nil
	}

	entry.LockControl()
	defer entry.UnlockControl()

	h, ok := entry.Registry().Remove(id)
	if !ok {
		c.log.DebugContext(ctx, "coordinator.unsubscribe.unknown")
		return nil
	}
	c.stop(ctx, h)
	c.log.InfoContext(ctx, "coordinator.unsubscribe.ok")
	return nil
}

func (c *Coordinator) stop(ctx context.Context, h Handle) {
	if err := c.engine.Unsubscribe(context.WithoutCancel(ctx), h); err != nil {
		c.log.WarnContext(ctx, "coordinator.engine.unsubscribe_fail", slog.String("err", err.Error()))
	}
}

// deliveryTarget addresses the results of one execution.
type deliveryTarget struct {
	connID string
	subID  protocol.SubscriptionID
	gen    connections.Generation
}

func (c *Coordinator) callbackFor(t deliveryTarget) Callback {
	return func(ctx context.Context, data json.RawMessage, err error) {
		c.deliver(ctx, t, data, err)
	}
}

func (c *Coordinator) deliver(ctx context.Context, t deliveryTarget, data json.RawMessage, execErr error) {
	entry, ok := c.table.Get(t.connID)
	if !ok || !entry.Registry().Accepts(t.subID, t.gen) {
		c.log.DebugContext(ctx, "coordinator.deliver.drop", slog.String("conn_id", t.connID), slog.String("sub_id", t.subID.String()))
		return
	}

	var payload protocol.Payload
	var structured *ExecutionError
	switch {
	case execErr == nil:
		payload = protocol.DataPayload(data)
	case errors.As(execErr, &structured):
		payload = protocol.ErrorPayload(structured.Errors...)
	default:
		payload = protocol.ErrorPayload(protocol.Error{Message: execErr.Error()})
	}

	if err := entry.Sender().Send(ctx, t.subID, payload); err != nil {
		c.log.WarnContext(ctx, "coordinator.deliver.fail", slog.String("conn_id", t.connID), slog.String("sub_id", t.subID.String()), slog.String("err", err.Error()))
	}
}
