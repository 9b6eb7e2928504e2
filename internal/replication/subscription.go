package replication

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/ziptility/rxsync/internal/auth"
	"github.com/ziptility/rxsync/internal/events"
	"github.com/ziptility/rxsync/internal/models"
	"github.com/ziptility/rxsync/internal/validation"
)

// State is the lifecycle state of a Subscription.
type State int32

const (
	// StateConnecting the bus subscription is being established
	StateConnecting State = iota
	// StateActive subscribed, no event relayed yet
	StateActive
	// StateStreaming at least one event was relayed
	StateStreaming
	// StateClosed cancelled by the caller or the stream completed
	StateClosed
	// StateFaulted terminated by an unrecoverable error, see Err
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Subscription relays change events of one collection to a single consumer.
type Subscription[D models.Document] struct {
	err    error
	events chan models.PullResult[D]
	done   chan struct{}
	cancel context.CancelFunc
	id     string
	topics []string
	mu     sync.Mutex
	state  atomic.Int32
}

// ID returns the subscription identifier used in logs.
func (s *Subscription[D]) ID() string {
	return s.id
}

// Topics returns the normalized topic filter; empty means all events.
func (s *Subscription[D]) Topics() []string {
	return s.topics
}

// Events returns the relay channel. It is closed when the subscription ends.
func (s *Subscription[D]) Events() <-chan models.PullResult[D] {
	return s.events
}

// Done is closed once the subscription reached Closed or Faulted.
func (s *Subscription[D]) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state.
func (s *Subscription[D]) State() State {
	return State(s.state.Load())
}

// Err returns the fault that terminated the subscription, nil otherwise.
func (s *Subscription[D]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the subscription and waits for the relay to stop.
func (s *Subscription[D]) Close() {
	s.cancel()
	<-s.done
}

func (s *Subscription[D]) setState(state State) {
	s.state.Store(int32(state))
}

func (s *Subscription[D]) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	if err != nil {
		s.setState(StateFaulted)
	} else {
		s.setState(StateClosed)
	}
}

// Subscribe opens a live change stream. When topics is non-empty only events
// whose documents share at least one topic are relayed. The stream runs until
// ctx is done, Close is called, or it faults.
func (e *Engine[D]) Subscribe(ctx context.Context, topics []string) (*Subscription[D], error) {
	filter := normalizeFilter(topics)
	if len(filter) > validation.MaxTopics {
		return nil, validation.ValidateTopics(filter)
	}

	if err := e.authorizer.Authorize(ctx, auth.OperationRead, e.desc.Name); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)

	s := &Subscription[D]{
		events: make(chan models.PullResult[D], e.opts.StreamBufferSize),
		done:   make(chan struct{}),
		cancel: cancel,
		id:     uuid.NewString(),
		topics: filter,
	}
	s.setState(StateConnecting)

	busSub, err := e.bus.Subscribe(subCtx, e.desc.StreamTopic())
	if err != nil {
		cancel()
		return nil, err
	}
	s.setState(StateActive)

	e.logger.Info("Subscription opened", "subscription_id", s.id, "topics", filter)

	go e.run(subCtx, s, busSub)

	return s, nil
}

// run relays events until the subscription ends, re-subscribing to the bus
// after a fixed delay whenever a read fails transiently.
func (e *Engine[D]) run(ctx context.Context, s *Subscription[D], busSub events.Subscription) {
	defer close(s.done)
	defer close(s.events)
	defer s.cancel()

	current := busSub
	backoff := retry.NewConstant(e.opts.StreamRetryDelay)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if current == nil {
			sub, err := e.bus.Subscribe(ctx, e.desc.StreamTopic())
			if err != nil {
				return e.retryable(s, err)
			}
			current = sub
		}

		err := e.relay(ctx, s, current)
		_ = current.Close()
		current = nil

		return e.retryable(s, err)
	})

	if current != nil {
		_ = current.Close()
	}

	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, events.ErrSubscriptionClosed),
		errors.Is(err, events.ErrBusClosed):
		s.finish(nil)
		e.logger.Info("Subscription closed", "subscription_id", s.id)
	default:
		s.finish(err)
		e.logger.Warn("Subscription faulted", "subscription_id", s.id, "error", err)
	}
}

// retryable classifies a relay error for retry.Do.
func (e *Engine[D]) retryable(s *Subscription[D], err error) error {
	if err == nil || events.IsTerminal(err) {
		return err
	}

	e.logger.Error("Stream read failed, retrying",
		"subscription_id", s.id,
		"error", err,
		"retry_in", e.opts.StreamRetryDelay)

	return retry.RetryableError(err)
}

// relay forwards matching events from busSub until an error occurs.
func (e *Engine[D]) relay(ctx context.Context, s *Subscription[D], busSub events.Subscription) error {
	for {
		payload, err := busSub.Next(ctx)
		if err != nil {
			return err
		}

		var event models.PullResult[D]
		if err := json.Unmarshal(payload, &event); err != nil {
			e.logger.Error("Skipping malformed change event", "subscription_id", s.id, "error", err)
			continue
		}

		event, ok := filterEvent(event, s.topics)
		if !ok {
			continue
		}

		select {
		case s.events <- event:
			s.setState(StateStreaming)
		case <-ctx.Done():
			return ctx.Err()
		default:
			e.logger.Warn("Subscriber is not keeping up, closing stream",
				"subscription_id", s.id,
				"buffer_size", cap(s.events))
			return events.ErrSlowConsumer
		}
	}
}

// filterEvent keeps the documents matching topics. The checkpoint is moved to
// the last kept document when some were dropped.
func filterEvent[D models.Document](event models.PullResult[D], topics []string) (models.PullResult[D], bool) {
	if len(topics) == 0 {
		return event, len(event.Documents) > 0
	}

	kept := make([]D, 0, len(event.Documents))
	for _, doc := range event.Documents {
		if models.HasAnyTopic(doc, topics) {
			kept = append(kept, doc)
		}
	}

	if len(kept) == 0 {
		return event, false
	}

	if len(kept) != len(event.Documents) {
		event.Checkpoint = models.NewCheckpoint(kept[len(kept)-1])
	}
	event.Documents = kept

	return event, true
}

// normalizeFilter trims topics and drops blanks and duplicates.
func normalizeFilter(topics []string) []string {
	var out []string
	seen := make(map[string]bool, len(topics))
	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		if topic == "" || seen[topic] {
			continue
		}
		seen[topic] = true
		out = append(out, topic)
	}
	return out
}
