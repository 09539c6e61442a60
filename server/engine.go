package server

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ggoodman/subscription-transport-go/connections"
	"github.com/ggoodman/subscription-transport-go/protocol"
)

// Handle is the engine's opaque token for one running execution.
type Handle = connections.Handle

// Callback receives the results of one execution. It may be invoked any
// number of times from any goroutine until the execution is unsubscribed.
//
// A nil err delivers data. An *ExecutionError delivers structured errors and
// leaves the subscription running. Any other error is reported to the client
// as a single error carrying err's message.
type Callback func(ctx context.Context, data json.RawMessage, err error)

// ExecutionParams describes one execution to start.
type ExecutionParams struct {
	protocol.Request
	SubscriptionID protocol.SubscriptionID
	ConnectionID   string
	Callback       Callback
}

// Engine runs subscription queries. Implementations must tolerate Unsubscribe
// racing with in-flight callbacks.
type Engine interface {
	Subscribe(ctx context.Context, p ExecutionParams) (Handle, error)
	Unsubscribe(ctx context.Context, h Handle) error
}

// ExecutionError carries structured query errors.
type ExecutionError struct {
	Errors []protocol.Error
}

func (e *ExecutionError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Message)
	}
	return "execution failed: " + strings.Join(msgs, "; ")
}
