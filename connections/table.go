package connections

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ggoodman/subscription-transport-go/protocol"
)

// ErrConnectionNotFound is returned when no entry exists for a connection id.
var ErrConnectionNotFound = errors.New("connection not found")

// Sender writes a subscription result to the connection that owns an entry.
// Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, id protocol.SubscriptionID, payload protocol.Payload) error
}

// Entry is the bookkeeping record for one live connection.
type Entry struct {
	id       string
	userID   string
	sender   Sender
	registry *Registry

	// ctrl serializes subscribe and unsubscribe handling on the connection.
	ctrl sync.Mutex
}

// ID returns the connection id.
func (e *Entry) ID() string { return e.id }

// UserID returns the caller identity bound to the connection, if any.
func (e *Entry) UserID() string { return e.userID }

// Sender returns the connection's outbound sender.
func (e *Entry) Sender() Sender { return e.sender }

// Registry returns the connection's subscription registry.
func (e *Entry) Registry() *Registry { return e.registry }

// LockControl acquires the connection's control lock. Subscribe and
// unsubscribe processing for a connection must hold it for their whole
// duration, including engine calls.
func (e *Entry) LockControl() { e.ctrl.Lock() }

// UnlockControl releases the control lock.
func (e *Entry) UnlockControl() { e.ctrl.Unlock() }

// Table tracks one Entry per open connection.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*Entry)}
}

// Open creates the entry for connID. Opening an already open connection
// returns the existing entry unchanged.
func (t *Table) Open(connID, userID string, sender Sender) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[connID]; ok {
		return e, false
	}
	e := &Entry{id: connID, userID: userID, sender: sender, registry: NewRegistry()}
	t.entries[connID] = e
	return e, true
}

// Get returns the entry for connID.
func (t *Table) Get(connID string) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[connID]
	return e, ok
}

// Close removes the entry for connID and returns every handle it held. The
// caller is responsible for stopping them.
func (t *Table) Close(connID string) ([]Handle, error) {
	t.mu.Lock()
	e, ok := t.entries[connID]
	if ok {
		delete(t.entries, connID)
	}
	t.mu.Unlock()

	if !ok {
		return nil, ErrConnectionNotFound
	}
	return e.registry.Drain(), nil
}

// IDs returns the open connection ids in lexical order.
func (t *Table) IDs() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of open connections.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
