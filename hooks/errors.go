package hooks

import "fmt"

// RejectedError indicates a hook refused a subscription. It is reported to
// the client as a rejected subscribe call.
type RejectedError struct {
	Operation string // operation name of the rejected request, may be empty
	Reason    string
}

func (e *RejectedError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("subscription %s rejected: %s", e.Operation, e.Reason)
	}
	return fmt.Sprintf("subscription rejected: %s", e.Reason)
}

// InvalidParamsError indicates that the provided parameters are invalid.
// This should result in a JSON-RPC "Invalid params" error.
type InvalidParamsError struct {
	Field  string // which field is invalid
	Reason string // why it's invalid
}

func (e *InvalidParamsError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid parameter %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid parameters: %s", e.Reason)
}
