package transport

import "github.com/ggoodman/subscription-transport-go/protocol"

// MessageKind discriminates inbound server messages.
type MessageKind uint8

const (
	// MessageConnected is dispatched once per physical connection, after the
	// server announced it and every open channel was re-requested.
	MessageConnected MessageKind = iota + 1
	// MessageChanged carries one record pushed on a channel.
	MessageChanged
)

func (k MessageKind) String() string {
	switch k {
	case MessageConnected:
		return "connected"
	case MessageChanged:
		return "changed"
	default:
		return "unknown"
	}
}

// Message is an inbound server message.
type Message struct {
	Kind MessageKind
	// ConnectionID is set for MessageConnected.
	ConnectionID string
	// Changed is set for MessageChanged.
	Changed protocol.ChangedParams
}
