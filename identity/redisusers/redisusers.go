// Package redisusers resolves caller identities to user records stored in
// Redis as JSON documents under "<prefix>user:<id>".
package redisusers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/subscription-transport-go/identity"
)

// Config for a Redis-backed user lookup. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: USERS_KEY_PREFIX
	KeyPrefix string `env:"USERS_KEY_PREFIX,default=subs:users:"`
	// Client overrides RedisAddr when set.
	Client redis.UniversalClient
}

// Lookup reads user records from Redis.
type Lookup struct {
	client    redis.UniversalClient
	keyPrefix string
}

// New connects to Redis and verifies reachability.
func New(ctx context.Context, cfg Config) (*Lookup, error) {
	client := cfg.Client
	if client == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "subs:users:"
	}
	return &Lookup{client: client, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Lookup using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Lookup, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	return New(ctx, cfg)
}

// Close closes the Redis client.
func (l *Lookup) Close() error { return l.client.Close() }

func (l *Lookup) userKey(userID string) string { return l.keyPrefix + "user:" + userID }

// LookupUser implements identity.Lookup.
func (l *Lookup) LookupUser(ctx context.Context, userID string) (*identity.User, error) {
	raw, err := l.client.Get(ctx, l.userKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, identity.ErrUserNotFound
		}
		return nil, fmt.Errorf("redis get user %s: %w", userID, err)
	}
	var u identity.User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", userID, err)
	}
	if u.ID == "" {
		u.ID = userID
	}
	return &u, nil
}

// PutUser stores u. Used by the publish tooling and by tests to seed records.
func (l *Lookup) PutUser(ctx context.Context, u identity.User) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return l.client.Set(ctx, l.userKey(u.ID), b, 0).Err()
}

// DeleteUser removes the record for userID.
func (l *Lookup) DeleteUser(ctx context.Context, userID string) error {
	return l.client.Del(ctx, l.userKey(userID)).Err()
}

var _ identity.Lookup = (*Lookup)(nil)
