// Package protocol contains the wire-level types and reserved names shared by
// the subscription client, the server connection handler and the transport.
//
// All subscription traffic on a connection is multiplexed over one reserved
// channel, SubscriptionChannel. Two reserved remote procedures start and stop
// subscriptions (SubscribeMethod and UnsubscribeMethod). Every result pushed by
// the server is a ChangedMethod notification on the reserved channel whose
// record id is the decimal SubscriptionID and whose fields are a Payload.
//
// # Payloads
//
// A Payload always carries both the data and errors members on the wire; the
// unused one is JSON null. A payload is an error payload when its errors
// member is present and non-null, even if the list is empty:
//
//	{"data": {"v": 1}, "errors": null}   // data
//	{"data": null, "errors": [{...}]}    // errors
//
// # Schemas
//
// Schemas returns JSON Schema documents for each request and notification
// body, suitable for publishing alongside a deployment or validating traffic
// captured from other client implementations.
package protocol
