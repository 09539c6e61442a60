package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// SubscriptionID identifies one subscription within one connection. Ids are
// chosen by the client and are not unique across connections.
type SubscriptionID int64

// String returns the decimal form used as the record id on the wire.
func (id SubscriptionID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseSubscriptionID parses a wire record id.
func ParseSubscriptionID(s string) (SubscriptionID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid subscription id %q: %w", s, err)
	}
	return SubscriptionID(n), nil
}

// Request is the query descriptor a client subscribes with. It is immutable
// once sent; clients retain it verbatim for replay after a reconnect.
type Request struct {
	Query         string         `json:"query" jsonschema:"minLength=1,description=Subscription document"`
	Variables     map[string]any `json:"variables,omitempty" jsonschema:"description=Operation variables"`
	OperationName string         `json:"operationName,omitempty" jsonschema:"description=Operation to execute when the document has several"`
	Context       map[string]any `json:"context,omitempty" jsonschema:"description=Caller supplied execution context"`
}

// SubscribeParams is the body of SubscribeMethod.
type SubscribeParams struct {
	Request
	ID SubscriptionID `json:"id" jsonschema:"description=Client assigned subscription id"`
}

// UnsubscribeParams is the body of UnsubscribeMethod.
type UnsubscribeParams struct {
	ID SubscriptionID `json:"id" jsonschema:"description=Client assigned subscription id"`
}

// ChannelParams is the body of SubMethod and UnsubMethod.
type ChannelParams struct {
	Channel string `json:"channel" jsonschema:"minLength=1"`
}

// ConnectedParams is the body of ConnectedMethod.
type ConnectedParams struct {
	ConnectionID string `json:"connectionId"`
}

// ChangedParams is the body of ChangedMethod.
type ChangedParams struct {
	Channel string  `json:"channel"`
	ID      string  `json:"id"`
	Fields  Payload `json:"fields"`
}

// Payload is one subscription result. Exactly one of Data or Errors is
// meaningful per message; both are always serialized.
type Payload struct {
	Data   json.RawMessage `json:"data"`
	Errors []Error         `json:"errors"`
}

// DataPayload builds a data-only payload.
func DataPayload(data json.RawMessage) Payload {
	return Payload{Data: data}
}

// ErrorPayload builds an errors-only payload. The returned payload reports
// HasErrors even when errs is empty.
func ErrorPayload(errs ...Error) Payload {
	if errs == nil {
		errs = []Error{}
	}
	return Payload{Errors: errs}
}

// HasErrors reports whether the errors member was present and non-null.
func (p Payload) HasErrors() bool {
	return p.Errors != nil
}

// HasData reports whether the data member carries a non-null value.
func (p Payload) HasData() bool {
	return len(p.Data) > 0 && !bytes.Equal(bytes.TrimSpace(p.Data), []byte("null"))
}

// Error is a single execution error in the GraphQL response format.
type Error struct {
	Message    string         `json:"message"`
	Locations  []Location     `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Location points at a position in the query document.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

func (e Error) Error() string {
	return e.Message
}
