package client

import (
	"encoding/json"
	"errors"

	"github.com/ggoodman/subscription-transport-go/protocol"
)

// Result is one subscription result: data or a list of errors, never both.
type Result struct {
	data   json.RawMessage
	errs   []protocol.Error
	failed bool
}

// Ok returns a data result.
func Ok(data json.RawMessage) Result {
	return Result{data: data}
}

// Err returns an error result. An empty list still is an error result.
func Err(errs ...protocol.Error) Result {
	if errs == nil {
		errs = []protocol.Error{}
	}
	return Result{errs: errs, failed: true}
}

// IsErr reports whether r carries errors.
func (r Result) IsErr() bool { return r.failed }

// Data returns the raw data of an Ok result, nil for Err.
func (r Result) Data() json.RawMessage { return r.data }

// Errors returns the errors of an Err result, nil for Ok.
func (r Result) Errors() []protocol.Error { return r.errs }

// Decode unmarshals the data of an Ok result into v. For an Err result it
// returns the errors joined.
func (r Result) Decode(v any) error {
	if r.failed {
		return r.Err()
	}
	return json.Unmarshal(r.data, v)
}

// Err returns the result's errors as one error, or nil for Ok.
func (r Result) Err() error {
	if !r.failed {
		return nil
	}
	if len(r.errs) == 0 {
		return errors.New("subscription error")
	}
	errs := make([]error, len(r.errs))
	for i, e := range r.errs {
		errs[i] = e
	}
	return errors.Join(errs...)
}

func resultFromPayload(p protocol.Payload) Result {
	if p.HasErrors() {
		return Err(p.Errors...)
	}
	return Ok(p.Data)
}
