package protocol

// Method identifies a JSON-RPC method or notification used by the transport.
type Method string

const (
	// ConnectedMethod is the first notification a server sends on every new
	// physical connection. Params: ConnectedParams.
	ConnectedMethod Method = "connected"
	// SubMethod opens a named channel on the connection (the handshake).
	// Params: ChannelParams. Result: empty object once the channel is ready.
	SubMethod Method = "sub"
	// UnsubMethod closes a named channel. Params: ChannelParams.
	UnsubMethod Method = "unsub"
	// ChangedMethod pushes an update for one record on a channel.
	// Params: ChangedParams.
	ChangedMethod Method = "changed"

	// SubscribeMethod starts or replaces the subscription with the given id.
	// Params: SubscribeParams.
	SubscribeMethod Method = "__graphql_subscribe__"
	// UnsubscribeMethod stops the subscription with the given id.
	// Params: UnsubscribeParams.
	UnsubscribeMethod Method = "__graphql_unsubscribe__"
)

// SubscriptionChannel is the reserved channel that carries all subscription
// multiplexing on a connection.
const SubscriptionChannel = "__graphql_subscription__"
