package protocol

import (
	"github.com/invopop/jsonschema"
)

// Schemas returns a JSON Schema for the params of every method the transport
// understands, keyed by method name.
func Schemas() map[Method]*jsonschema.Schema {
	return map[Method]*jsonschema.Schema{
		ConnectedMethod:   reflectSchema(new(ConnectedParams)),
		SubMethod:         reflectSchema(new(ChannelParams)),
		UnsubMethod:       reflectSchema(new(ChannelParams)),
		ChangedMethod:     reflectSchema(new(ChangedParams)),
		SubscribeMethod:   reflectSchema(new(SubscribeParams)),
		UnsubscribeMethod: reflectSchema(new(UnsubscribeParams)),
	}
}

func reflectSchema(v any) *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	return r.Reflect(v)
}
