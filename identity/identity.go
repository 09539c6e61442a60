package identity

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var (
	// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUserNotFound is returned by a Lookup when no record exists for an identity.
	ErrUserNotFound = errors.New("user not found")
)

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshals the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return an error wrapping ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// User is a resolved user record.
type User struct {
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Lookup resolves a raw identity to a user record.
type Lookup interface {
	LookupUser(ctx context.Context, userID string) (*User, error)
}

// LookupFunc adapts a function to the Lookup interface.
type LookupFunc func(ctx context.Context, userID string) (*User, error)

func (f LookupFunc) LookupUser(ctx context.Context, userID string) (*User, error) {
	return f(ctx, userID)
}

// StaticLookup is an in-memory Lookup.
type StaticLookup struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewStaticLookup returns a StaticLookup seeded with users.
func NewStaticLookup(users ...User) *StaticLookup {
	l := &StaticLookup{users: make(map[string]User, len(users))}
	for _, u := range users {
		l.users[u.ID] = u
	}
	return l
}

// Put adds or replaces a user record.
func (l *StaticLookup) Put(u User) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.users[u.ID] = u
}

// LookupUser implements Lookup. The returned record is a copy.
func (l *StaticLookup) LookupUser(ctx context.Context, userID string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	u, ok := l.users[userID]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := u
	if u.Attributes != nil {
		cp.Attributes = make(map[string]any, len(u.Attributes))
		for k, v := range u.Attributes {
			cp.Attributes[k] = v
		}
	}
	return &cp, nil
}

// StaticUserInfo is a UserInfo with a fixed id and claim set.
type StaticUserInfo struct {
	ID          string
	ClaimValues map[string]any
}

func (u StaticUserInfo) UserID() string { return u.ID }

func (u StaticUserInfo) Claims(ref any) error {
	b, err := json.Marshal(u.ClaimValues)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var (
	_ Lookup   = (*StaticLookup)(nil)
	_ Lookup   = LookupFunc(nil)
	_ UserInfo = StaticUserInfo{}
)
