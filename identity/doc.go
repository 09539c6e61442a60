// Package identity resolves the caller identity attached to a connection.
//
// Two steps are involved. An Authenticator turns a bearer token presented when
// the connection is established into a UserInfo whose UserID becomes the
// connection's raw identity. Later, when a subscription starts on that
// connection, a Lookup resolves the raw identity into a User record that the
// coordinator attaches to the subscription's execution context.
//
// Sub-packages provide concrete implementations: jwtauth verifies JWT access
// tokens against a JWKS or OIDC issuer and redisusers loads user records from
// Redis. StaticLookup serves fixed records and is handy in tests and local
// development.
package identity
