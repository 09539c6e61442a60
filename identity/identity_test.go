package identity

import (
	"context"
	"errors"
	"testing"
)

func TestStaticLookup_ReturnsCopy(t *testing.T) {
	l := NewStaticLookup(User{ID: "alice", Attributes: map[string]any{"role": "admin"}})

	u, err := l.LookupUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	u.Attributes["role"] = "guest"

	again, err := l.LookupUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if again.Attributes["role"] != "admin" {
		t.Fatalf("mutating a returned record leaked into the store: %v", again.Attributes)
	}
}

func TestStaticLookup_NotFound(t *testing.T) {
	l := NewStaticLookup()
	if _, err := l.LookupUser(context.Background(), "nobody"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("want ErrUserNotFound, got %v", err)
	}

	l.Put(User{ID: "nobody"})
	if _, err := l.LookupUser(context.Background(), "nobody"); err != nil {
		t.Fatalf("lookup after put: %v", err)
	}
}

func TestStaticLookup_CanceledContext(t *testing.T) {
	l := NewStaticLookup(User{ID: "alice"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.LookupUser(ctx, "alice"); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestLookupFunc(t *testing.T) {
	var seen string
	var l Lookup = LookupFunc(func(ctx context.Context, userID string) (*User, error) {
		seen = userID
		return &User{ID: userID}, nil
	})
	u, err := l.LookupUser(context.Background(), "bob")
	if err != nil || u.ID != "bob" || seen != "bob" {
		t.Fatalf("unexpected result %v %v %q", u, err, seen)
	}
}

func TestStaticUserInfo_Claims(t *testing.T) {
	ui := StaticUserInfo{ID: "u1", ClaimValues: map[string]any{"email": "u1@example.com"}}
	var out struct {
		Email string `json:"email"`
	}
	if err := ui.Claims(&out); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if out.Email != "u1@example.com" || ui.UserID() != "u1" {
		t.Fatalf("unexpected claims %+v", out)
	}
}
