package replication

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ziptility/rxsync/internal/events"
	"github.com/ziptility/rxsync/internal/models"
)

// Publisher turns applied documents into change events on the collection's
// stream topic. Each event is a one-document PullResult so subscribers can
// merge it exactly like a pull response.
type Publisher[D models.Document] struct {
	bus    events.Bus
	logger *slog.Logger
	topic  string
}

// NewPublisher creates a publisher for desc.
func NewPublisher[D models.Document](desc models.Descriptor[D], bus events.Bus, logger *slog.Logger) *Publisher[D] {
	return &Publisher[D]{
		bus:    bus,
		logger: logger,
		topic:  desc.StreamTopic(),
	}
}

// Publish emits one event for doc. Failures are logged and swallowed: the
// committed write is the source of truth and clients catch up by pulling.
func (p *Publisher[D]) Publish(ctx context.Context, doc D) {
	event := models.PullResult[D]{
		Documents:  []D{doc},
		Checkpoint: models.NewCheckpoint(doc),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to encode change event", "error", err, "document_id", doc.GetID())
		return
	}

	if err := p.bus.Publish(ctx, p.topic, payload); err != nil {
		p.logger.Error("Failed to publish change event",
			"error", err,
			"topic", p.topic,
			"document_id", doc.GetID())
		return
	}

	p.logger.Debug("Change event published", "topic", p.topic, "document_id", doc.GetID())
}
