package connections

import (
	"errors"
	"sort"
	"sync"

	"github.com/ggoodman/subscription-transport-go/protocol"
)

var (
	// ErrRegistryClosed is returned when a connection's registry has been
	// drained by a close.
	ErrRegistryClosed = errors.New("connection closed")
	// ErrStaleGeneration is returned by Activate when the reservation was
	// removed or replaced while the engine was starting.
	ErrStaleGeneration = errors.New("subscription superseded")
)

// Handle is the engine's opaque token for one running execution.
type Handle any

// State is the lifecycle state of one subscription id on a connection.
type State uint8

const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateActive
)

func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "UNSUBSCRIBED"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateActive:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// Generation identifies one reservation of a subscription id.
type Generation uint64

type binding struct {
	gen    Generation
	handle Handle
	active bool
}

// Registry maps subscription ids to execution handles for one connection. It
// is safe for concurrent use: control operations mutate it while delivery
// callbacks read it from engine goroutines.
type Registry struct {
	mu       sync.RWMutex
	bindings map[protocol.SubscriptionID]binding
	lastGen  Generation
	closed   bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[protocol.SubscriptionID]binding)}
}

// Begin reserves id for a new execution and returns the reservation's
// generation. Any previous binding for id is removed in the same step; if it
// was active its handle is returned and the caller must stop it.
func (r *Registry) Begin(id protocol.SubscriptionID) (gen Generation, previous Handle, hadPrevious bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, nil, false, ErrRegistryClosed
	}

	if b, ok := r.bindings[id]; ok && b.active {
		previous, hadPrevious = b.handle, true
	}

	r.lastGen++
	gen = r.lastGen
	r.bindings[id] = binding{gen: gen}
	return gen, previous, hadPrevious, nil
}

// Activate records the handle for a reservation made by Begin. It fails with
// ErrStaleGeneration if the reservation no longer exists and with
// ErrRegistryClosed if the connection closed meanwhile; in both cases the
// caller owns the handle and must stop it.
func (r *Registry) Activate(id protocol.SubscriptionID, gen Generation, h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	b, ok := r.bindings[id]
	if !ok || b.gen != gen {
		return ErrStaleGeneration
	}
	r.bindings[id] = binding{gen: gen, handle: h, active: true}
	return nil
}

// Abort drops a reservation that never became active. It is a no-op if the
// reservation was already replaced.
func (r *Registry) Abort(id protocol.SubscriptionID, gen Generation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.bindings[id]; ok && b.gen == gen && !b.active {
		delete(r.bindings, id)
	}
}

// Remove deletes the binding for id. If it was active the handle is returned
// for the caller to stop. Removing a pending reservation makes the eventual
// Activate fail, so the late handle is stopped by its starter.
func (r *Registry) Remove(id protocol.SubscriptionID) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[id]
	if !ok {
		return nil, false
	}
	delete(r.bindings, id)
	if !b.active {
		return nil, false
	}
	return b.handle, true
}

// Accepts reports whether a delivery from the execution started under gen may
// still be forwarded.
func (r *Registry) Accepts(id protocol.SubscriptionID, gen Generation) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[id]
	return ok && b.gen == gen && !r.closed
}

// Handle returns the active handle for id.
func (r *Registry) Handle(id protocol.SubscriptionID) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[id]
	if !ok || !b.active {
		return nil, false
	}
	return b.handle, true
}

// State returns the lifecycle state of id.
func (r *Registry) State(id protocol.SubscriptionID) State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[id]
	switch {
	case !ok:
		return StateUnsubscribed
	case b.active:
		return StateActive
	default:
		return StateSubscribing
	}
}

// IDs returns the ids with a binding, in ascending order.
func (r *Registry) IDs() []protocol.SubscriptionID {
	r.mu.RLock()
	ids := make([]protocol.SubscriptionID, 0, len(r.bindings))
	for id := range r.bindings {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of bindings, pending or active.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// Drain closes the registry and returns every active handle. Subsequent
// Begin and Activate calls fail with ErrRegistryClosed.
func (r *Registry) Drain() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	handles := make([]Handle, 0, len(r.bindings))
	for id, b := range r.bindings {
		if b.active {
			handles = append(handles, b.handle)
		}
		delete(r.bindings, id)
	}
	return handles
}
