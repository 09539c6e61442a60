package redisusers

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/subscription-transport-go/identity"
)

func newTestLookup(t *testing.T) *Lookup {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	l, err := New(context.Background(), Config{Client: client, KeyPrefix: "test:users:"})
	if err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLookup_RoundTrip(t *testing.T) {
	l := newTestLookup(t)
	ctx := context.Background()

	want := identity.User{ID: "alice", Attributes: map[string]any{"plan": "pro"}}
	if err := l.PutUser(ctx, want); err != nil {
		t.Fatalf("put: %v", err)
	}
	t.Cleanup(func() { _ = l.DeleteUser(ctx, "alice") })

	got, err := l.LookupUser(ctx, "alice")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != "alice" || got.Attributes["plan"] != "pro" {
		t.Fatalf("unexpected user %+v", got)
	}
}

func TestLookup_NotFound(t *testing.T) {
	l := newTestLookup(t)
	if _, err := l.LookupUser(context.Background(), "missing-user"); !errors.Is(err, identity.ErrUserNotFound) {
		t.Fatalf("want ErrUserNotFound, got %v", err)
	}
}
