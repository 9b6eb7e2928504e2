package events

import (
	"context"
	"errors"
)

var (
	// ErrBusClosed indicates that the bus was shut down
	ErrBusClosed = errors.New("event bus closed")

	// ErrSubscriptionClosed indicates that the subscription was closed by its owner
	ErrSubscriptionClosed = errors.New("subscription closed")

	// ErrSlowConsumer indicates that a subscriber fell behind and its buffer
	// overflowed; the subscription is unusable and events were lost
	ErrSlowConsumer = errors.New("slow consumer: subscription buffer overflowed")
)

// Bus is a topic based publish/subscribe transport for change events.
// Payloads are opaque bytes and must not be modified after Publish.
type Bus interface {
	// Publish delivers payload to every current subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a new subscriber for topic.
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Close tears down the bus and every open subscription.
	Close() error
}

// Subscription is a single consumer's view of a topic.
type Subscription interface {
	// Next blocks until the next payload, ctx is done, or the subscription
	// fails. Only one goroutine may call Next at a time.
	Next(ctx context.Context) ([]byte, error)

	// Close releases the subscription. Safe to call more than once.
	Close() error
}

// IsTerminal reports whether err means the subscription cannot be resumed by
// retrying: the bus is gone, the owner closed it, the consumer was cut off
// for falling behind, or the caller's context ended.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrBusClosed) ||
		errors.Is(err, ErrSubscriptionClosed) ||
		errors.Is(err, ErrSlowConsumer) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
