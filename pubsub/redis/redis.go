// Package redis implements pubsub.PubSub on Redis PUBLISH/SUBSCRIBE, so
// publishers and subscription servers can run on different nodes.
package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/subscription-transport-go/pubsub"
)

// Config contains configuration options for the Redis bus.
type Config struct {
	// Client is the Redis client to use. If nil, a default client will be created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to every topic to form the Redis channel name.
	// Defaults to "subs:topic:" if empty.
	KeyPrefix string
}

// Bus is a Redis-backed pubsub.PubSub.
type Bus struct {
	client    redis.UniversalClient
	keyPrefix string
}

// New creates a new Redis-based bus.
func New(config Config) *Bus {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "subs:topic:"
	}

	return &Bus{client: client, keyPrefix: keyPrefix}
}

// Close closes the Redis connection.
func (b *Bus) Close() error {
	return b.client.Close()
}

func (b *Bus) channel(topic string) string {
	return b.keyPrefix + topic
}

// Publish implements pubsub.PubSub.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", b.channel(topic), err)
	}
	return nil
}

// Subscribe implements pubsub.PubSub. It returns once Redis confirmed the
// subscription, so payloads published afterwards are delivered.
func (b *Bus) Subscribe(ctx context.Context, topic string, h pubsub.Handler) (pubsub.Subscription, error) {
	ps := b.client.Subscribe(ctx, b.channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.channel(topic), err)
	}

	sub := &subscription{ps: ps, done: make(chan struct{})}
	runCtx := context.WithoutCancel(ctx)
	ch := ps.Channel()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case <-sub.done:
					return
				default:
				}
				h(runCtx, []byte(msg.Payload))
			}
		}
	}()
	sub.watch(ctx)

	return sub, nil
}

type subscription struct {
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
	err  error

	mu      sync.Mutex
	closed  bool
	release func() bool
}

func (s *subscription) watch(ctx context.Context) {
	release := context.AfterFunc(ctx, func() { _ = s.Close() })

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		release()
		return
	}
	s.release = release
	s.mu.Unlock()
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		release := s.release
		s.release = nil
		s.mu.Unlock()
		if release != nil {
			release()
		}

		close(s.done)
		s.err = s.ps.Close()
	})
	return s.err
}

var _ pubsub.PubSub = (*Bus)(nil)
