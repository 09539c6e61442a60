package outbound

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/subscription-transport-go/internal/jsonrpc"
)

// Sender writes an outbound request frame.
type Sender interface {
	SendRequest(ctx context.Context, req *jsonrpc.Request) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, req *jsonrpc.Request) error

func (f SenderFunc) SendRequest(ctx context.Context, req *jsonrpc.Request) error { return f(ctx, req) }

// Completion receives the outcome of a call exactly once. Exactly one of resp
// and err is non-nil.
type Completion func(resp *jsonrpc.Response, err error)

// ErrDispatcherClosed indicates the dispatcher is closed.
var ErrDispatcherClosed = errors.New("dispatcher closed")

type pendingCall struct {
	done Completion
	stop func() bool
	once sync.Once
}

func (pc *pendingCall) complete(resp *jsonrpc.Response, err error) {
	pc.once.Do(func() {
		if pc.stop != nil {
			pc.stop()
		}
		if pc.done != nil {
			pc.done(resp, err)
		}
	})
}

// Dispatcher correlates outbound JSON-RPC requests with their responses on a
// single physical connection. It is transport-agnostic.
type Dispatcher struct {
	s Sender

	mu      sync.Mutex
	pending map[string]*pendingCall // id.String() -> call
	closed  bool

	closeErr error
	nextID   atomic.Uint64
}

// New constructs a Dispatcher using the provided sender.
func New(s Sender) *Dispatcher {
	return &Dispatcher{s: s, pending: make(map[string]*pendingCall)}
}

// Start sends a request and arranges for done to be invoked with its outcome.
// The request is written before Start returns, so calls made in sequence
// reach the peer in that order. done is invoked when the response arrives,
// when ctx ends, or when the dispatcher closes, whichever happens first.
func (d *Dispatcher) Start(ctx context.Context, method string, params any, done Completion) {
	id := jsonrpc.NewRequestID(d.nextID.Add(1))
	key := id.String()

	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		if done != nil {
			done(nil, err)
		}
		return
	}

	pc := &pendingCall{done: done}
	pc.stop = context.AfterFunc(ctx, func() {
		if pc := d.take(key); pc != nil {
			pc.complete(nil, ctx.Err())
		}
	})

	d.mu.Lock()
	if d.closed {
		err := d.closeErrLocked()
		d.mu.Unlock()
		pc.complete(nil, err)
		return
	}
	d.pending[key] = pc
	d.mu.Unlock()

	// The AfterFunc may have fired before the call was registered.
	if err := ctx.Err(); err != nil {
		if pc := d.take(key); pc != nil {
			pc.complete(nil, err)
		}
		return
	}

	if err := d.s.SendRequest(ctx, req); err != nil {
		if pc := d.take(key); pc != nil {
			pc.complete(nil, err)
		}
	}
}

// Call sends a request and blocks for its response.
func (d *Dispatcher) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	type outcome struct {
		resp *jsonrpc.Response
		err  error
	}
	ch := make(chan outcome, 1)
	d.Start(ctx, method, params, func(resp *jsonrpc.Response, err error) {
		ch <- outcome{resp, err}
	})
	o := <-ch
	return o.resp, o.err
}

// OnResponse delivers an incoming response to a waiting call. Unmatched
// responses are ignored and reported as false.
func (d *Dispatcher) OnResponse(resp *jsonrpc.Response) bool {
	if resp == nil || resp.ID.IsNil() {
		return false
	}
	pc := d.take(resp.ID.String())
	if pc == nil {
		return false
	}
	pc.complete(resp, nil)
	return true
}

// Pending returns the number of calls awaiting a response.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close fails all pending calls with err and prevents new calls.
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = ErrDispatcherClosed
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.closeErr = err
	calls := make([]*pendingCall, 0, len(d.pending))
	for key, pc := range d.pending {
		delete(d.pending, key)
		calls = append(calls, pc)
	}
	d.mu.Unlock()

	for _, pc := range calls {
		pc.complete(nil, err)
	}
}

func (d *Dispatcher) take(key string) *pendingCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	pc, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	return pc
}

func (d *Dispatcher) closeErrLocked() error {
	if d.closeErr != nil {
		return d.closeErr
	}
	return ErrDispatcherClosed
}
