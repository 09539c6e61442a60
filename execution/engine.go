// Package execution is a reference server.Engine that forwards results
// published on a pubsub topic to every subscription listening on it. Query
// documents are not parsed; the operation name selects the topic.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ggoodman/subscription-transport-go/internal/logctx"
	"github.com/ggoodman/subscription-transport-go/protocol"
	"github.com/ggoodman/subscription-transport-go/pubsub"
	"github.com/ggoodman/subscription-transport-go/server"
)

// TopicVariable is the request variable that overrides the operation name as
// the topic.
const TopicVariable = "topic"

var (
	// ErrNoTopic is returned when a request names neither an operation nor a
	// topic variable.
	ErrNoTopic = errors.New("execution: request has no topic")
	// ErrMalformedPayload is reported to the callback for published payloads
	// that carry neither data nor errors.
	ErrMalformedPayload = errors.New("malformed result payload")
	// ErrUnknownHandle is returned by Unsubscribe for handles this engine did
	// not create.
	ErrUnknownHandle = errors.New("execution: unknown handle")
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine implements server.Engine over a pubsub.PubSub.
type Engine struct {
	bus    pubsub.PubSub
	log    *slog.Logger
	active atomic.Int64
}

// New returns an Engine reading results from bus.
func New(bus pubsub.PubSub, opts ...Option) *Engine {
	e := &Engine{bus: bus}
	for _, opt := range opts {
		opt(e)
	}
	e.log = logctx.Wrap(e.log)
	return e
}

// TopicFor returns the topic a request listens on.
func TopicFor(req protocol.Request) string {
	if t, ok := req.Variables[TopicVariable].(string); ok && t != "" {
		return t
	}
	return req.OperationName
}

type execution struct {
	topic string
	sub   pubsub.Subscription
	done  atomic.Bool
}

// Subscribe implements server.Engine.
func (e *Engine) Subscribe(ctx context.Context, p server.ExecutionParams) (server.Handle, error) {
	topic := TopicFor(p.Request)
	if topic == "" {
		return nil, ErrNoTopic
	}

	x := &execution{topic: topic}
	cb := p.Callback
	sub, err := e.bus.Subscribe(context.WithoutCancel(ctx), topic, func(ctx context.Context, payload []byte) {
		if x.done.Load() {
			return
		}
		data, err := decodeResult(payload)
		cb(ctx, data, err)
	})
	if err != nil {
		return nil, fmt.Errorf("execution: subscribe %s: %w", topic, err)
	}
	x.sub = sub

	e.active.Add(1)
	e.log.DebugContext(ctx, "execution.start", slog.String("topic", topic))
	return x, nil
}

// Unsubscribe implements server.Engine. Stopping a handle twice is a no-op.
func (e *Engine) Unsubscribe(ctx context.Context, h server.Handle) error {
	x, ok := h.(*execution)
	if !ok {
		return ErrUnknownHandle
	}
	if x.done.Swap(true) {
		return nil
	}
	e.active.Add(-1)
	e.log.DebugContext(ctx, "execution.stop", slog.String("topic", x.topic))
	return x.sub.Close()
}

// Active returns the number of running executions.
func (e *Engine) Active() int {
	return int(e.active.Load())
}

// Publish encodes data as a result and publishes it on topic.
func Publish(ctx context.Context, bus pubsub.PubSub, topic string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("execution: encode result: %w", err)
	}
	b, _ := json.Marshal(protocol.DataPayload(raw))
	return bus.Publish(ctx, topic, b)
}

// PublishErrors publishes a structured error result on topic.
func PublishErrors(ctx context.Context, bus pubsub.PubSub, topic string, errs ...protocol.Error) error {
	b, err := json.Marshal(protocol.ErrorPayload(errs...))
	if err != nil {
		return fmt.Errorf("execution: encode errors: %w", err)
	}
	return bus.Publish(ctx, topic, b)
}

func decodeResult(payload []byte) (json.RawMessage, error) {
	var p protocol.Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	switch {
	case p.HasErrors():
		return nil, &server.ExecutionError{Errors: p.Errors}
	case len(p.Data) > 0:
		// A present data member is a result even when it is null.
		return p.Data, nil
	}
	return nil, ErrMalformedPayload
}

var _ server.Engine = (*Engine)(nil)
