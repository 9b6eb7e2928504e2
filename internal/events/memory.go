package events

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultBufferSize is the per-subscriber buffer used when none is configured.
const DefaultBufferSize = 256

// MemoryBus is an in-process Bus. Every subscriber owns a bounded buffer;
// a subscriber whose buffer is full when an event arrives is cut off with
// ErrSlowConsumer instead of blocking the publisher.
type MemoryBus struct {
	topics     map[string]map[*memorySubscription]struct{}
	logger     *slog.Logger
	bufferSize int
	closed     bool
	mu         sync.RWMutex
}

// NewMemoryBus creates an in-process bus. bufferSize <= 0 selects DefaultBufferSize.
func NewMemoryBus(bufferSize int, logger *slog.Logger) *MemoryBus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &MemoryBus{
		topics:     make(map[string]map[*memorySubscription]struct{}),
		logger:     logger,
		bufferSize: bufferSize,
	}
}

// Publish implements Bus. It never blocks on subscribers.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	for sub := range b.topics[topic] {
		if !sub.deliver(payload) {
			b.logger.Warn("Dropping slow subscriber",
				"topic", topic,
				"buffer_size", b.bufferSize)
		}
	}

	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		bus:   b,
		topic: topic,
		ch:    make(chan []byte, b.bufferSize),
		done:  make(chan struct{}),
	}

	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*memorySubscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}

	return sub, nil
}

// Close implements Bus.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for topic, subs := range b.topics {
		for sub := range subs {
			sub.fail(ErrBusClosed)
		}
		delete(b.topics, topic)
	}

	return nil
}

// SubscriberCount returns the number of live subscribers on topic.
func (b *MemoryBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.topics[topic])
}

func (b *MemoryBus) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.topics[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.topics, sub.topic)
		}
	}
}

type memorySubscription struct {
	err   error
	bus   *MemoryBus
	ch    chan []byte
	done  chan struct{}
	topic string
	once  sync.Once
	mu    sync.Mutex
}

// deliver enqueues payload. It returns false when the buffer was full and the
// subscription has been failed as a slow consumer.
func (s *memorySubscription) deliver(payload []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}

	select {
	case s.ch <- payload:
		return true
	default:
		s.fail(ErrSlowConsumer)
		return false
	}
}

func (s *memorySubscription) fail(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// Next implements Subscription.
func (s *memorySubscription) Next(ctx context.Context) ([]byte, error) {
	// a failed subscription reports its error even if events are buffered
	select {
	case <-s.done:
		return nil, s.failure()
	default:
	}

	select {
	case payload := <-s.ch:
		return payload, nil
	case <-s.done:
		return nil, s.failure()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Subscription.
func (s *memorySubscription) Close() error {
	s.fail(ErrSubscriptionClosed)
	s.bus.remove(s)
	return nil
}

func (s *memorySubscription) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
