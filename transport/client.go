package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ggoodman/subscription-transport-go/internal/jsonrpc"
	"github.com/ggoodman/subscription-transport-go/internal/outbound"
	"github.com/ggoodman/subscription-transport-go/protocol"
)

var (
	// ErrConnectionLost fails calls that were in flight, or issued while no
	// connection was up. The client redials on its own.
	ErrConnectionLost = errors.New("transport: connection lost")
	// ErrClientClosed is returned once Close has been called.
	ErrClientClosed = errors.New("transport: client closed")
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// WithBackOff sets the redial policy. newBackOff is called once per outage.
func WithBackOff(newBackOff func() backoff.BackOff) ClientOption {
	return func(c *Client) { c.newBackOff = newBackOff }
}

// DefaultBackOff retries forever with exponential delays capped at 30s.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Client is the reconnecting client side of a duplex connection.
type Client struct {
	dialer     Dialer
	log        *slog.Logger
	newBackOff func() backoff.BackOff

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	cur       *conn
	readyCh   chan struct{}
	channels  map[string]struct{}
	listeners map[uint64]func(Message)
	nextLis   uint64
	closed    bool

	evMu      sync.Mutex
	evQueue   []func()
	evSignal  chan struct{}
	evStopped bool
}

type conn struct {
	frames Frames
	disp   *outbound.Dispatcher
	id     string
	ready  bool
}

func (cn *conn) SendRequest(ctx context.Context, req *jsonrpc.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := cn.frames.WriteFrame(b); err != nil {
		// The read side notices the broken connection and redials.
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	return nil
}

// NewClient starts a client that keeps a connection open through dialer
// until Close is called.
func NewClient(dialer Dialer, opts ...ClientOption) *Client {
	c := &Client{
		dialer:     dialer,
		log:        slog.Default(),
		newBackOff: DefaultBackOff,
		done:       make(chan struct{}),
		readyCh:    make(chan struct{}),
		channels:   make(map[string]struct{}),
		listeners:  make(map[uint64]func(Message)),
		evSignal:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	go c.run()
	go c.events()
	return c
}

// ConnectionID returns the id the server assigned to the current connection,
// or "" while disconnected.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || !c.cur.ready {
		return ""
	}
	return c.cur.id
}

// OnMessage registers fn for every inbound server message. Listeners run on
// the client's event goroutine, one message at a time in arrival order and
// in registration order per message. A slow listener delays later messages
// but never the reads.
func (c *Client) OnMessage(fn func(Message)) (remove func()) {
	c.mu.Lock()
	c.nextLis++
	key := c.nextLis
	c.listeners[key] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, key)
		c.mu.Unlock()
	}
}

// Subscribe opens channel and blocks until the server reports it ready. The
// channel stays open across reconnects until Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.channels[channel] = struct{}{}
	c.mu.Unlock()

	for {
		cn, err := c.waitReady(ctx)
		if err != nil {
			return err
		}
		_, err = cn.disp.Call(ctx, string(protocol.SubMethod), protocol.ChannelParams{Channel: channel})
		if errors.Is(err, ErrConnectionLost) {
			continue
		}
		if err != nil {
			return fmt.Errorf("open channel %s: %w", channel, err)
		}
		return nil
	}
}

// Unsubscribe closes channel. It is not re-opened on later connections.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	delete(c.channels, channel)
	cn := c.cur
	c.mu.Unlock()

	if cn == nil || !cn.ready {
		return nil
	}
	if _, err := cn.disp.Call(ctx, string(protocol.UnsubMethod), protocol.ChannelParams{Channel: channel}); err != nil && !errors.Is(err, ErrConnectionLost) {
		return fmt.Errorf("close channel %s: %w", channel, err)
	}
	return nil
}

// Call sends method on the current connection and reports the outcome to
// done. Without a live connection done receives ErrConnectionLost before
// Call returns; otherwise done runs on the event goroutine, so a listener
// must not wait for it. A JSON-RPC error response is reported as a
// *jsonrpc.Error.
func (c *Client) Call(ctx context.Context, method string, params any, done func(error)) {
	if done == nil {
		done = func(error) {}
	}

	c.mu.Lock()
	cn, closed := c.cur, c.closed
	c.mu.Unlock()

	switch {
	case closed:
		done(ErrClientClosed)
		return
	case cn == nil || !cn.ready:
		done(ErrConnectionLost)
		return
	}

	cn.disp.Start(ctx, method, params, func(resp *jsonrpc.Response, err error) {
		if err == nil && resp.Error != nil {
			err = resp.Error
		}
		c.post(func() { done(err) })
	})
}

// Close stops redialing, closes the current connection and fails every
// pending call with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	cn := c.cur
	c.mu.Unlock()

	c.cancel()
	if cn != nil {
		cn.disp.Close(ErrClientClosed)
		_ = cn.frames.Close()
	}
	<-c.done
	return nil
}

func (c *Client) waitReady(ctx context.Context) (*conn, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClientClosed
		}
		if c.cur != nil && c.cur.ready {
			cn := c.cur
			c.mu.Unlock()
			return cn, nil
		}
		ch := c.readyCh
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrClientClosed
		}
	}
}

func (c *Client) run() {
	defer close(c.done)

	for {
		frames, err := c.dial()
		if err != nil {
			return
		}
		c.serve(frames)
		if c.ctx.Err() != nil {
			return
		}
	}
}

func (c *Client) dial() (Frames, error) {
	attempt := 0
	return backoff.RetryNotifyWithData(func() (Frames, error) {
		attempt++
		return c.dialer.Dial(c.ctx)
	}, backoff.WithContext(c.newBackOff(), c.ctx), func(err error, next time.Duration) {
		c.log.WarnContext(c.ctx, "transport.dial.fail", slog.Int("attempt", attempt), slog.Duration("retry_in", next), slog.String("err", err.Error()))
	})
}

func (c *Client) serve(frames Frames) {
	cn := &conn{frames: frames}
	cn.disp = outbound.New(cn)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = frames.Close()
		return
	}
	c.cur = cn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.cur == cn {
			c.cur = nil
		}
		if cn.ready {
			c.readyCh = make(chan struct{})
		}
		c.mu.Unlock()

		cn.disp.Close(ErrConnectionLost)
		_ = frames.Close()
	}()

	for {
		b, err := frames.ReadFrame()
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.InfoContext(c.ctx, "transport.conn.lost", slog.String("conn_id", cn.id), slog.String("err", err.Error()))
			}
			return
		}
		c.handleFrame(cn, b)
	}
}

func (c *Client) handleFrame(cn *conn, b []byte) {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		c.log.WarnContext(c.ctx, "transport.frame.invalid", slog.String("err", err.Error()))
		return
	}

	switch msg.Type() {
	case "response":
		if !cn.disp.OnResponse(msg.AsResponse()) {
			c.log.DebugContext(c.ctx, "transport.response.unmatched", slog.String("id", msg.ID.String()))
		}
	case "notification":
		c.handleNotification(cn, msg.AsRequest())
	case "request":
		resp := jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+msg.Method, nil)
		if out, err := json.Marshal(resp); err == nil {
			c.post(func() { _ = cn.frames.WriteFrame(out) })
		}
	}
}

func (c *Client) handleNotification(cn *conn, req *jsonrpc.Request) {
	switch protocol.Method(req.Method) {
	case protocol.ConnectedMethod:
		var p protocol.ConnectedParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			c.log.WarnContext(c.ctx, "transport.connected.invalid", slog.String("err", err.Error()))
			return
		}
		c.post(func() { c.onConnected(cn, p.ConnectionID) })

	case protocol.ChangedMethod:
		var p protocol.ChangedParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			c.log.WarnContext(c.ctx, "transport.changed.invalid", slog.String("err", err.Error()))
			return
		}
		c.post(func() { c.dispatch(Message{Kind: MessageChanged, Changed: p}) })

	default:
		c.log.DebugContext(c.ctx, "transport.notification.ignored", slog.String("method", req.Method))
	}
}

func (c *Client) onConnected(cn *conn, connID string) {
	c.mu.Lock()
	if c.cur != cn {
		c.mu.Unlock()
		return
	}
	cn.id = connID
	channels := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	// Re-open channels before anyone else can write on the connection so the
	// server sees them first.
	for _, ch := range channels {
		channel := ch
		cn.disp.Start(c.ctx, string(protocol.SubMethod), protocol.ChannelParams{Channel: channel}, func(_ *jsonrpc.Response, err error) {
			if err != nil && !errors.Is(err, ErrConnectionLost) && !errors.Is(err, ErrClientClosed) {
				c.log.WarnContext(c.ctx, "transport.resubscribe.fail", slog.String("channel", channel), slog.String("err", err.Error()))
			}
		})
	}

	c.mu.Lock()
	if c.cur == cn && !cn.ready {
		cn.ready = true
		close(c.readyCh)
	}
	c.mu.Unlock()

	c.log.InfoContext(c.ctx, "transport.conn.ready", slog.String("conn_id", connID), slog.Int("channels", len(channels)))
	c.dispatch(Message{Kind: MessageConnected, ConnectionID: connID})
}

func (c *Client) dispatch(m Message) {
	c.mu.Lock()
	keys := make([]uint64, 0, len(c.listeners))
	for k := range c.listeners {
		keys = append(keys, k)
	}
	fns := make([]func(Message), 0, len(keys))
	slices.Sort(keys)
	for _, k := range keys {
		fns = append(fns, c.listeners[k])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(m)
	}
}

// post queues fn for the event goroutine. The read loop only ever posts, so
// it keeps draining the connection while listeners and writes block.
func (c *Client) post(fn func()) {
	c.evMu.Lock()
	if c.evStopped {
		c.evMu.Unlock()
		fn()
		return
	}
	c.evQueue = append(c.evQueue, fn)
	c.evMu.Unlock()

	select {
	case c.evSignal <- struct{}{}:
	default:
	}
}

// events runs posted functions in order until the client is closed and the
// queue is drained.
func (c *Client) events() {
	for {
		c.evMu.Lock()
		fns := c.evQueue
		c.evQueue = nil
		c.evMu.Unlock()

		for _, fn := range fns {
			fn()
		}
		if len(fns) > 0 {
			continue
		}

		select {
		case <-c.evSignal:
		case <-c.done:
			c.evMu.Lock()
			fns = c.evQueue
			c.evQueue = nil
			c.evStopped = true
			c.evMu.Unlock()
			for _, fn := range fns {
				fn()
			}
			return
		}
	}
}
