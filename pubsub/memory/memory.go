// Package memory provides an in-process implementation of pubsub.PubSub.
// It is suitable for single-node deployments and tests.
package memory

import (
	"context"
	"sync"

	"github.com/ggoodman/subscription-transport-go/pubsub"
)

// Bus implements pubsub.PubSub with per-subscription unbounded queues, so a
// slow handler never blocks publishers or other subscribers.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*subscription]struct{}
	closed bool
}

type subscription struct {
	bus   *Bus
	topic string
	h     pubsub.Handler
	ctx   context.Context

	mu      sync.Mutex
	queue   [][]byte
	signal  chan struct{}
	closed  bool
	release func() bool
	done    chan struct{}
	once    sync.Once
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string]map[*subscription]struct{})}
}

// Publish implements pubsub.PubSub.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return pubsub.ErrClosed
	}
	for sub := range b.topics[topic] {
		sub.enqueue(append([]byte(nil), payload...))
	}
	return nil
}

// Subscribe implements pubsub.PubSub. The handler runs on a goroutine owned
// by the subscription until Close or until ctx ends.
func (b *Bus) Subscribe(ctx context.Context, topic string, h pubsub.Handler) (pubsub.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &subscription{
		bus:    b,
		topic:  topic,
		h:      h,
		ctx:    context.WithoutCancel(ctx),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, pubsub.ErrClosed
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run()
	sub.watch(ctx)
	return sub, nil
}

// Close closes every subscription and rejects further use.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscription
	for _, subs := range b.topics {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	b.topics = nil
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
	return nil
}

func (s *subscription) enqueue(payload []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, payload)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		for {
			s.mu.Lock()
			if s.closed || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			next := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.h(s.ctx, next)
		}
	}
}

// watch closes the subscription when ctx ends. The registration is released
// by stop.
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

func (s *subscription) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		release := s.release
		s.release = nil
		s.mu.Unlock()

		if release != nil {
			release()
		}
		close(s.done)
	})
}

// Close implements pubsub.Subscription.
func (s *subscription) Close() error {
	s.bus.mu.Lock()
	if subs, ok := s.bus.topics[s.topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.bus.topics, s.topic)
		}
	}
	s.bus.mu.Unlock()

	s.stop()
	return nil
}

var _ pubsub.PubSub = (*Bus)(nil)
