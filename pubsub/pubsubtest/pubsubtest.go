// Package pubsubtest is a conformance suite for pubsub.PubSub
// implementations.
package pubsubtest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/subscription-transport-go/pubsub"
)

// Factory creates a fresh bus for one test.
type Factory func(t *testing.T) pubsub.PubSub

// RunPubSubTests runs the complete suite against the provided factory.
func RunPubSubTests(t *testing.T, factory Factory) {
	t.Run("PublishAndReceive", func(t *testing.T) {
		testPublishAndReceive(t, factory)
	})
	t.Run("OrderPreserved", func(t *testing.T) {
		testOrderPreserved(t, factory)
	})
	t.Run("MultipleSubscribers", func(t *testing.T) {
		testMultipleSubscribers(t, factory)
	})
	t.Run("TopicIsolation", func(t *testing.T) {
		testTopicIsolation(t, factory)
	})
	t.Run("CloseStopsDelivery", func(t *testing.T) {
		testCloseStopsDelivery(t, factory)
	})
	t.Run("ContextCancellationCloses", func(t *testing.T) {
		testContextCancellationCloses(t, factory)
	})
	t.Run("CloseReleasesContext", func(t *testing.T) {
		testCloseReleasesContext(t, factory)
	})
}

type collector struct {
	mu  sync.Mutex
	got []string
	ch  chan struct{}
}

func newCollector() *collector { return &collector{ch: make(chan struct{}, 1024)} }

func (c *collector) handler(ctx context.Context, payload []byte) {
	c.mu.Lock()
	c.got = append(c.got, string(payload))
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-deadline:
			c.mu.Lock()
			defer c.mu.Unlock()
			t.Fatalf("Expected %d messages, got %d", n, len(c.got))
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func uniqueTopic(t *testing.T, name string) string {
	return fmt.Sprintf("%s-%d", name, time.Now().UnixNano())
}

func testPublishAndReceive(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := context.Background()
	topic := uniqueTopic(t, "publish")

	c := newCollector()
	sub, err := b.Subscribe(ctx, topic, c.handler)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer sub.Close()

	if err := b.Publish(ctx, topic, []byte(`{"data":1}`)); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	if got := c.waitFor(t, 1); got[0] != `{"data":1}` {
		t.Fatalf("Unexpected payload %q", got[0])
	}
}

func testOrderPreserved(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := context.Background()
	topic := uniqueTopic(t, "order")

	c := newCollector()
	sub, err := b.Subscribe(ctx, topic, c.handler)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer sub.Close()

	const n = 50
	for i := 0; i < n; i++ {
		if err := b.Publish(ctx, topic, []byte(strconv.Itoa(i))); err != nil {
			t.Fatalf("Failed to publish %d: %v", i, err)
		}
	}
	got := c.waitFor(t, n)
	for i, p := range got {
		if p != strconv.Itoa(i) {
			t.Fatalf("Message %d out of order: %q", i, p)
		}
	}
}

func testMultipleSubscribers(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := context.Background()
	topic := uniqueTopic(t, "multi")

	c1, c2 := newCollector(), newCollector()
	s1, err := b.Subscribe(ctx, topic, c1.handler)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer s1.Close()
	s2, err := b.Subscribe(ctx, topic, c2.handler)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer s2.Close()

	if err := b.Publish(ctx, topic, []byte("x")); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	c1.waitFor(t, 1)
	c2.waitFor(t, 1)
}

func testTopicIsolation(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := context.Background()
	topicA, topicB := uniqueTopic(t, "iso-a"), uniqueTopic(t, "iso-b")

	ca, cb := newCollector(), newCollector()
	sa, err := b.Subscribe(ctx, topicA, ca.handler)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer sa.Close()
	sb, err := b.Subscribe(ctx, topicB, cb.handler)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer sb.Close()

	_ = b.Publish(ctx, topicA, []byte("a"))
	_ = b.Publish(ctx, topicB, []byte("b"))

	if got := ca.waitFor(t, 1); len(got) != 1 || got[0] != "a" {
		t.Fatalf("Topic A received %v", got)
	}
	if got := cb.waitFor(t, 1); len(got) != 1 || got[0] != "b" {
		t.Fatalf("Topic B received %v", got)
	}
}

func testCloseStopsDelivery(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := context.Background()
	topic := uniqueTopic(t, "close")

	c := newCollector()
	sub, err := b.Subscribe(ctx, topic, c.handler)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	_ = b.Publish(ctx, topic, []byte("before"))
	c.waitFor(t, 1)

	if err := sub.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	_ = b.Publish(ctx, topic, []byte("after"))
	time.Sleep(100 * time.Millisecond)

	if n := c.count(); n != 1 {
		t.Fatalf("Expected no delivery after close, got %d messages", n)
	}
}

func testContextCancellationCloses(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithCancel(context.Background())
	topic := uniqueTopic(t, "cancel")

	c := newCollector()
	if _, err := b.Subscribe(ctx, topic, c.handler); err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	cancel()
	time.Sleep(50 * time.Millisecond)

	_ = b.Publish(context.Background(), topic, []byte("late"))
	time.Sleep(100 * time.Millisecond)
	if n := c.count(); n != 0 {
		t.Fatalf("Expected no delivery after cancellation, got %d", n)
	}
}

// watchCtx counts the AfterFunc registrations made against it and how many
// were released.
type watchCtx struct {
	context.Context
	registered atomic.Int32
	released   atomic.Int32
}

func (c *watchCtx) AfterFunc(f func()) func() bool {
	c.registered.Add(1)
	var once sync.Once
	return func() bool {
		stopped := false
		once.Do(func() {
			c.released.Add(1)
			stopped = true
		})
		return stopped
	}
}

func testCloseReleasesContext(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := &watchCtx{Context: context.Background()}
	topic := uniqueTopic(t, "release")

	sub, err := b.Subscribe(ctx, topic, func(context.Context, []byte) {})
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	_ = sub.Close()

	if r, n := ctx.registered.Load(), ctx.released.Load(); r == 0 || r != n {
		t.Fatalf("Expected every context registration released, registered=%d released=%d", r, n)
	}
}
