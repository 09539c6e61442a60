package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/ggoodman/subscription-transport-go/pubsub"
	"github.com/ggoodman/subscription-transport-go/pubsub/pubsubtest"
)

func TestMemoryBus(t *testing.T) {
	pubsubtest.RunPubSubTests(t, func(t *testing.T) pubsub.PubSub {
		b := New()
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestBus_ClosedRejectsUse(t *testing.T) {
	b := New()
	_ = b.Close()

	if err := b.Publish(context.Background(), "t", nil); !errors.Is(err, pubsub.ErrClosed) {
		t.Fatalf("publish after close: %v", err)
	}
	if _, err := b.Subscribe(context.Background(), "t", func(context.Context, []byte) {}); !errors.Is(err, pubsub.ErrClosed) {
		t.Fatalf("subscribe after close: %v", err)
	}
}

func TestBus_SlowHandlerDoesNotBlockPublisher(t *testing.T) {
	b := New()
	defer b.Close()

	release := make(chan struct{})
	sub, err := b.Subscribe(context.Background(), "slow", func(context.Context, []byte) { <-release })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	for i := 0; i < 1000; i++ {
		if err := b.Publish(context.Background(), "slow", []byte("x")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	close(release)
}
