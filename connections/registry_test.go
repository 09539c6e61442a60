package connections

import (
	"errors"
	"sync"
	"testing"

	"github.com/ggoodman/subscription-transport-go/protocol"
)

func TestRegistry_BeginActivateRemove(t *testing.T) {
	r := NewRegistry()

	gen, prev, hadPrev, err := r.Begin(1)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if hadPrev || prev != nil {
		t.Fatalf("unexpected previous handle %v", prev)
	}
	if got := r.State(1); got != StateSubscribing {
		t.Fatalf("state after begin = %s, want SUBSCRIBING", got)
	}
	if !r.Accepts(1, gen) {
		t.Fatalf("pending reservation should accept deliveries")
	}

	if err := r.Activate(1, gen, "h1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if got := r.State(1); got != StateActive {
		t.Fatalf("state after activate = %s, want ACTIVE", got)
	}
	if h, ok := r.Handle(1); !ok || h != "h1" {
		t.Fatalf("handle = %v, %v", h, ok)
	}

	h, ok := r.Remove(1)
	if !ok || h != "h1" {
		t.Fatalf("remove = %v, %v", h, ok)
	}
	if r.Accepts(1, gen) {
		t.Fatalf("removed binding must not accept deliveries")
	}
	if got := r.State(1); got != StateUnsubscribed {
		t.Fatalf("state after remove = %s", got)
	}
}

func TestRegistry_BeginReplacesActiveBinding(t *testing.T) {
	r := NewRegistry()

	gen1, _, _, _ := r.Begin(5)
	if err := r.Activate(5, gen1, "old"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	gen2, prev, hadPrev, err := r.Begin(5)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !hadPrev || prev != "old" {
		t.Fatalf("expected old handle returned, got %v %v", prev, hadPrev)
	}
	if gen2 == gen1 {
		t.Fatalf("generations must differ")
	}
	if r.Accepts(5, gen1) {
		t.Fatalf("superseded generation must be rejected")
	}
	if !r.Accepts(5, gen2) {
		t.Fatalf("current generation must be accepted")
	}
	if err := r.Activate(5, gen1, "late"); !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("activate with stale gen: got %v", err)
	}
	if err := r.Activate(5, gen2, "new"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("expected one binding, got %d", r.Len())
	}
}

func TestRegistry_RemoveDuringSubscribing(t *testing.T) {
	r := NewRegistry()

	gen, _, _, _ := r.Begin(3)
	if h, ok := r.Remove(3); ok || h != nil {
		t.Fatalf("pending binding has no handle to return")
	}
	if err := r.Activate(3, gen, "h"); !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("expected stale activation, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestRegistry_Abort(t *testing.T) {
	r := NewRegistry()

	gen1, _, _, _ := r.Begin(1)
	gen2, _, _, _ := r.Begin(1)

	r.Abort(1, gen1)
	if r.State(1) != StateSubscribing {
		t.Fatalf("abort of a replaced reservation must not remove the newer one")
	}
	r.Abort(1, gen2)
	if r.State(1) != StateUnsubscribed {
		t.Fatalf("abort should remove the pending reservation")
	}
}

func TestRegistry_DrainClosesRegistry(t *testing.T) {
	r := NewRegistry()

	for i := protocol.SubscriptionID(0); i < 3; i++ {
		gen, _, _, _ := r.Begin(i)
		if err := r.Activate(i, gen, int(i)); err != nil {
			t.Fatalf("activate: %v", err)
		}
	}
	pendingGen, _, _, _ := r.Begin(9)

	handles := r.Drain()
	if len(handles) != 3 {
		t.Fatalf("expected 3 active handles, got %d", len(handles))
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry after drain")
	}
	if _, _, _, err := r.Begin(4); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("begin after drain: %v", err)
	}
	if err := r.Activate(9, pendingGen, "late"); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("activate after drain: %v", err)
	}
}

func TestRegistry_IDsSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []protocol.SubscriptionID{7, 2, 5} {
		r.Begin(id)
	}
	ids := r.IDs()
	if len(ids) != 3 || ids[0] != 2 || ids[1] != 5 || ids[2] != 7 {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestRegistry_ConcurrentAcceptsWhileMutating(t *testing.T) {
	r := NewRegistry()
	gen, _, _, _ := r.Begin(1)
	_ = r.Activate(1, gen, "h")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				_ = r.Accepts(1, gen)
			}
		}()
	}
	for i := protocol.SubscriptionID(2); i < 200; i++ {
		g, _, _, _ := r.Begin(i)
		_ = r.Activate(i, g, i)
		r.Remove(i)
	}
	wg.Wait()
}
