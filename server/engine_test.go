package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/subscription-transport-go/protocol"
)

// fakeEngine records executions and lets tests push results into them.
type fakeEngine struct {
	mu       sync.Mutex
	next     int
	execs    map[int]ExecutionParams
	stopped  map[int]int
	started  []ExecutionParams
	startErr error
	// gate, when set, blocks Subscribe until closed.
	gate chan struct{}
	// entered is signalled when Subscribe is called.
	entered chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{execs: map[int]ExecutionParams{}, stopped: map[int]int{}}
}

func (e *fakeEngine) Subscribe(ctx context.Context, p ExecutionParams) (Handle, error) {
	if e.entered != nil {
		e.entered <- struct{}{}
	}
	if e.gate != nil {
		<-e.gate
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = append(e.started, p)
	if e.startErr != nil {
		return nil, e.startErr
	}
	e.next++
	e.execs[e.next] = p
	return e.next, nil
}

func (e *fakeEngine) Unsubscribe(ctx context.Context, h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := h.(int)
	if !ok {
		return errors.New("foreign handle")
	}
	e.stopped[id]++
	return nil
}

func (e *fakeEngine) push(t *testing.T, handle int, data string, err error) {
	t.Helper()
	e.mu.Lock()
	p, ok := e.execs[handle]
	e.mu.Unlock()
	if !ok {
		t.Fatalf("no execution %d", handle)
	}
	var raw json.RawMessage
	if data != "" {
		raw = json.RawMessage(data)
	}
	p.Callback(context.Background(), raw, err)
}

func (e *fakeEngine) stopCount(handle int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped[handle]
}

func (e *fakeEngine) startCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.started)
}

func (e *fakeEngine) lastStarted() ExecutionParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started[len(e.started)-1]
}

type delivery struct {
	id      protocol.SubscriptionID
	payload protocol.Payload
}

// chanSender collects deliveries for a connection.
type chanSender struct {
	ch chan delivery
}

func newChanSender() *chanSender { return &chanSender{ch: make(chan delivery, 32)} }

func (s *chanSender) Send(ctx context.Context, id protocol.SubscriptionID, payload protocol.Payload) error {
	s.ch <- delivery{id: id, payload: payload}
	return nil
}

func (s *chanSender) expect(t *testing.T) delivery {
	t.Helper()
	select {
	case d := <-s.ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for delivery")
	}
	return delivery{}
}

func (s *chanSender) expectNone(t *testing.T) {
	t.Helper()
	select {
	case d := <-s.ch:
		t.Fatalf("unexpected delivery %+v", d)
	default:
	}
}

var errBadQuery = errors.New("bad query")
