package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NatsBus implements Bus over core NATS subjects so that several server
// processes share one change feed. The topic is used as the subject.
type NatsBus struct {
	nc             *nats.Conn
	logger         *slog.Logger
	pendingLimit   int
	publishTimeout time.Duration
}

// DefaultPublishTimeout bounds the flush after a publish when the caller's
// context carries no deadline.
const DefaultPublishTimeout = 5 * time.Second

// ConnectNats dials a NATS server with reconnect logging.
func ConnectNats(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("rxsync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS async error", "subject", subject, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return nc, nil
}

// NewNatsBus wraps an established connection. The bus owns nc and drains it
// on Close. pendingLimit bounds the messages buffered per subscriber;
// <= 0 selects DefaultBufferSize.
func NewNatsBus(nc *nats.Conn, pendingLimit int, logger *slog.Logger) *NatsBus {
	if pendingLimit <= 0 {
		pendingLimit = DefaultBufferSize
	}
	return &NatsBus{
		nc:             nc,
		logger:         logger,
		pendingLimit:   pendingLimit,
		publishTimeout: DefaultPublishTimeout,
	}
}

// WithPublishTimeout sets the flush bound used for contexts without a
// deadline. Values <= 0 keep the current setting.
func (b *NatsBus) WithPublishTimeout(d time.Duration) *NatsBus {
	if d > 0 {
		b.publishTimeout = d
	}
	return b
}

// Publish implements Bus. It flushes so the event has reached the server
// before returning. FlushWithContext refuses contexts without a deadline, so
// one is added from publishTimeout when missing.
func (b *NatsBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.nc.Publish(topic, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, mapNatsError(err))
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.publishTimeout)
		defer cancel()
	}

	if err := b.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush %s: %w", topic, mapNatsError(err))
	}

	return nil
}

// Subscribe implements Bus.
func (b *NatsBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub, err := b.nc.SubscribeSync(topic)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, mapNatsError(err))
	}

	// negative byte limit disables the byte bound, the message bound stays
	if err := sub.SetPendingLimits(b.pendingLimit, -1); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to set pending limits: %w", err)
	}

	return &natsSubscription{sub: sub}, nil
}

// Close implements Bus.
func (b *NatsBus) Close() error {
	if b.nc.IsClosed() {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		return fmt.Errorf("failed to drain nats connection: %w", err)
	}
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

// Next implements Subscription.
func (s *natsSubscription) Next(ctx context.Context) ([]byte, error) {
	msg, err := s.sub.NextMsgWithContext(ctx)
	if err != nil {
		return nil, mapNatsError(err)
	}
	return msg.Data, nil
}

// Close implements Subscription.
func (s *natsSubscription) Close() error {
	if !s.sub.IsValid() {
		return nil
	}
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

// mapNatsError translates NATS errors into the bus error vocabulary.
// Everything not mapped is treated as transient by callers.
func mapNatsError(err error) error {
	switch {
	case errors.Is(err, nats.ErrSlowConsumer):
		return fmt.Errorf("%w: %w", ErrSlowConsumer, err)
	case errors.Is(err, nats.ErrBadSubscription):
		return fmt.Errorf("%w: %w", ErrSubscriptionClosed, err)
	case errors.Is(err, nats.ErrConnectionDraining), errors.Is(err, nats.ErrConnectionClosed):
		return fmt.Errorf("%w: %w", ErrBusClosed, err)
	default:
		return err
	}
}
