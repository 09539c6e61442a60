package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ggoodman/subscription-transport-go/internal/logctx"
	"github.com/ggoodman/subscription-transport-go/protocol"
	"github.com/ggoodman/subscription-transport-go/transport"
)

// ErrInvalidArgument is returned synchronously for unusable Subscribe input.
var ErrInvalidArgument = errors.New("client: invalid argument")

// SubscribeFailedPrefix prefixes the message delivered when the server
// refuses a subscription.
const SubscribeFailedPrefix = "Subscription failed: "

// Handler receives the results of one subscription. Handlers run on the
// transport's event goroutine; results for one id arrive in order. A handler
// may call Subscribe or Unsubscribe.
type Handler func(Result)

// Transport is the duplex connection the multiplexer runs on.
// *transport.Client implements it.
type Transport interface {
	Subscribe(ctx context.Context, channel string) error
	Call(ctx context.Context, method string, params any, done func(error))
	OnMessage(fn func(transport.Message)) (remove func())
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Multiplexer) { m.log = l }
}

type entry struct {
	req     protocol.Request
	handler Handler
}

// Multiplexer tracks the subscriptions of one client over one Transport.
type Multiplexer struct {
	tr  Transport
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	remove func()
	sf     singleflight.Group

	mu        sync.Mutex
	connected bool
	nextID    protocol.SubscriptionID
	entries   map[protocol.SubscriptionID]*entry
}

// New returns a Multiplexer on tr. It starts listening to tr immediately.
func New(tr Transport, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		tr:      tr,
		entries: make(map[protocol.SubscriptionID]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logctx.Wrap(m.log)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.remove = tr.OnMessage(m.onMessage)
	return m
}

// Close detaches the multiplexer from its transport. Tracked subscriptions
// are forgotten locally; the server drops them when the connection ends.
func (m *Multiplexer) Close() {
	m.cancel()
	m.remove()

	m.mu.Lock()
	clear(m.entries)
	m.mu.Unlock()
}

// Subscribe starts a subscription for req and returns its id. Results are
// delivered to h. Subscribe returns once the request is sent; if the server
// refuses it, h receives a single Err result and the subscription is
// dropped.
func (m *Multiplexer) Subscribe(ctx context.Context, req protocol.Request, h Handler) (protocol.SubscriptionID, error) {
	if req.Query == "" {
		return 0, fmt.Errorf("%w: query is required", ErrInvalidArgument)
	}
	if h == nil {
		return 0, fmt.Errorf("%w: handler is required", ErrInvalidArgument)
	}

	if err := m.connect(ctx); err != nil {
		return 0, err
	}

	e := &entry{req: cloneRequest(req), handler: h}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.entries[id] = e
	m.mu.Unlock()

	m.send(id, e)
	return id, nil
}

// Unsubscribe stops delivery for subscription id and sends the notice to the
// server without waiting for its reply. The notice is sent even when id is
// not tracked locally. Only a failed channel handshake is returned.
func (m *Multiplexer) Unsubscribe(ctx context.Context, id protocol.SubscriptionID) error {
	if err := m.connect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()

	m.notifyUnsubscribe(id)
	return nil
}

// UnsubscribeAll unsubscribes every tracked subscription, one at a time.
// Subscriptions started concurrently may survive.
func (m *Multiplexer) UnsubscribeAll(ctx context.Context) error {
	var errs []error
	for _, id := range m.IDs() {
		if err := m.Unsubscribe(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IDs returns the tracked subscription ids in ascending order.
func (m *Multiplexer) IDs() []protocol.SubscriptionID {
	m.mu.Lock()
	ids := slices.Collect(maps.Keys(m.entries))
	m.mu.Unlock()

	slices.Sort(ids)
	return ids
}

// connect performs the channel handshake once. Concurrent callers share the
// in-flight attempt; a failed attempt is retried by the next caller.
func (m *Multiplexer) connect(ctx context.Context) error {
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()
	if connected {
		return nil
	}

	ch := m.sf.DoChan("connect", func() (any, error) {
		if err := m.tr.Subscribe(m.ctx, protocol.SubscriptionChannel); err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.connected = true
		m.mu.Unlock()
		m.log.DebugContext(m.ctx, "client.connect.ok")
		return nil, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return fmt.Errorf("open subscription channel: %w", res.Err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Multiplexer) send(id protocol.SubscriptionID, e *entry) {
	params := protocol.SubscribeParams{Request: e.req, ID: id}
	m.tr.Call(m.ctx, string(protocol.SubscribeMethod), params, func(err error) {
		if err == nil {
			return
		}
		if errors.Is(err, transport.ErrConnectionLost) {
			// Kept for replay once the transport reconnects.
			return
		}
		m.fail(id, e, err)
	})
}

// fail reports a refused subscription to its handler once and drops it.
func (m *Multiplexer) fail(id protocol.SubscriptionID, e *entry, cause error) {
	m.mu.Lock()
	cur, ok := m.entries[id]
	if ok && cur == e {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok || cur != e {
		return
	}

	m.log.InfoContext(m.ctx, "client.subscribe.fail", slog.String("sub_id", id.String()), slog.String("err", cause.Error()))
	e.handler(Err(protocol.Error{Message: SubscribeFailedPrefix + cause.Error()}))
	m.notifyUnsubscribe(id)
}

// notifyUnsubscribe tells the server to stop id. A lost connection already
// took the server side of the subscription with it.
func (m *Multiplexer) notifyUnsubscribe(id protocol.SubscriptionID) {
	m.tr.Call(m.ctx, string(protocol.UnsubscribeMethod), protocol.UnsubscribeParams{ID: id}, func(err error) {
		if err == nil || m.ctx.Err() != nil {
			return
		}
		if !errors.Is(err, transport.ErrConnectionLost) && !errors.Is(err, transport.ErrClientClosed) {
			m.log.WarnContext(m.ctx, "client.unsubscribe.fail", slog.String("sub_id", id.String()), slog.String("err", err.Error()))
		}
	})
}

func (m *Multiplexer) onMessage(msg transport.Message) {
	switch msg.Kind {
	case transport.MessageConnected:
		m.replay()
	case transport.MessageChanged:
		m.route(msg.Changed)
	}
}

// replay re-sends every tracked subscription after a reconnect. Before the
// first handshake completes there is nothing to replay.
func (m *Multiplexer) replay() {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return
	}
	ids := slices.Sorted(maps.Keys(m.entries))
	entries := make([]*entry, len(ids))
	for i, id := range ids {
		entries[i] = m.entries[id]
	}
	m.mu.Unlock()

	m.log.InfoContext(m.ctx, "client.replay", slog.Int("count", len(ids)))
	for i, id := range ids {
		m.send(id, entries[i])
	}
}

func (m *Multiplexer) route(c protocol.ChangedParams) {
	if c.Channel != protocol.SubscriptionChannel {
		return
	}
	id, err := protocol.ParseSubscriptionID(c.ID)
	if err != nil {
		m.log.DebugContext(m.ctx, "client.changed.bad_id", slog.String("id", c.ID))
		return
	}

	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.handler(resultFromPayload(c.Fields))
}

func cloneRequest(r protocol.Request) protocol.Request {
	r.Variables = maps.Clone(r.Variables)
	r.Context = maps.Clone(r.Context)
	return r
}

var _ Transport = (*transport.Client)(nil)
