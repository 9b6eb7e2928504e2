// Package replication implements the checkpoint based pull/push protocol and
// the live change stream for one document collection.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ziptility/rxsync/internal/auth"
	"github.com/ziptility/rxsync/internal/clock"
	"github.com/ziptility/rxsync/internal/events"
	"github.com/ziptility/rxsync/internal/models"
	"github.com/ziptility/rxsync/internal/server/storage"
)

// Defaults applied to zero Options fields.
const (
	DefaultPullLimit        = 100
	DefaultMaxPullLimit     = 1000
	DefaultStreamRetryDelay = 5 * time.Second
	DefaultStreamBufferSize = 64
)

// Options tunes an Engine.
type Options struct {
	DefaultPullLimit int
	MaxPullLimit     int
	StreamRetryDelay time.Duration
	StreamBufferSize int
}

func (o Options) withDefaults() Options {
	if o.DefaultPullLimit <= 0 {
		o.DefaultPullLimit = DefaultPullLimit
	}
	if o.MaxPullLimit <= 0 {
		o.MaxPullLimit = DefaultMaxPullLimit
	}
	if o.DefaultPullLimit > o.MaxPullLimit {
		o.DefaultPullLimit = o.MaxPullLimit
	}
	if o.StreamRetryDelay <= 0 {
		o.StreamRetryDelay = DefaultStreamRetryDelay
	}
	if o.StreamBufferSize <= 0 {
		o.StreamBufferSize = DefaultStreamBufferSize
	}
	return o
}

// Config wires an Engine to its collaborators.
type Config[D models.Document] struct {
	Store      storage.DocumentStore[D]
	Bus        events.Bus
	Authorizer auth.Authorizer // nil authorizes everything
	Clock      clock.Clock     // nil uses a MonotonicClock
	Logger     *slog.Logger
	Descriptor models.Descriptor[D]
	Options    Options
}

// Engine serves replication for a single collection. It holds no per-client
// state and is safe for concurrent use.
type Engine[D models.Document] struct {
	store      storage.DocumentStore[D]
	bus        events.Bus
	authorizer auth.Authorizer
	clock      clock.Clock
	publisher  *Publisher[D]
	logger     *slog.Logger
	desc       models.Descriptor[D]
	opts       Options

	// writeMu keeps commit order equal to timestamp order, so a pull can
	// never move its checkpoint past a write that commits later.
	writeMu sync.Mutex
}

// NewEngine creates an engine for cfg.Descriptor.
func NewEngine[D models.Document](cfg Config[D]) *Engine[D] {
	authorizer := cfg.Authorizer
	if authorizer == nil {
		authorizer = auth.AllowAll{}
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewMonotonicClock()
	}

	logger := cfg.Logger.With("collection", cfg.Descriptor.Name)

	return &Engine[D]{
		store:      cfg.Store,
		bus:        cfg.Bus,
		authorizer: authorizer,
		clock:      clk,
		publisher:  NewPublisher(cfg.Descriptor, cfg.Bus, logger),
		logger:     logger,
		desc:       cfg.Descriptor,
		opts:       cfg.Options.withDefaults(),
	}
}

// Descriptor returns the collection descriptor.
func (e *Engine[D]) Descriptor() models.Descriptor[D] {
	return e.desc
}

// Pull returns up to limit documents positioned after checkpoint, ordered by
// (UpdatedAt, ID), and the checkpoint of the last returned document. When
// nothing qualifies the returned checkpoint is empty, not the input one.
func (e *Engine[D]) Pull(ctx context.Context, checkpoint models.Checkpoint, limit int) (models.PullResult[D], error) {
	if err := checkpoint.Validate(); err != nil {
		return models.PullResult[D]{}, err
	}

	if err := e.authorizer.Authorize(ctx, auth.OperationRead, e.desc.Name); err != nil {
		return models.PullResult[D]{}, err
	}

	limit = e.clampLimit(limit)

	docs, err := e.store.ListDocumentsAfter(ctx, checkpoint, limit)
	if err != nil {
		return models.PullResult[D]{}, fmt.Errorf("failed to list documents: %w", err)
	}

	// The store already filters and orders; re-applying keeps the resumability
	// guarantee independent of the store implementation.
	docs = slices.DeleteFunc(docs, func(d D) bool { return !checkpoint.Before(d) })
	slices.SortStableFunc(docs, func(a, b D) int { return models.CompareDocuments(a, b) })
	if len(docs) > limit {
		docs = docs[:limit]
	}

	result := models.PullResult[D]{Documents: make([]D, 0, len(docs))}
	result.Documents = append(result.Documents, docs...)
	if len(docs) > 0 {
		result.Checkpoint = models.NewCheckpoint(docs[len(docs)-1])
	}

	e.logger.Debug("Pull completed",
		"checkpoint_id", checkpoint.LastDocumentID,
		"limit", limit,
		"documents_count", len(result.Documents))

	return result, nil
}

func (e *Engine[D]) clampLimit(limit int) int {
	if limit <= 0 {
		return e.opts.DefaultPullLimit
	}
	if limit > e.opts.MaxPullLimit {
		return e.opts.MaxPullLimit
	}
	return limit
}

// queued is a change accepted by categorization together with the state the
// client proposed, which is what gets reported if the apply fails.
type queued[D models.Document] struct {
	clientUpdatedAt time.Time
	change          storage.Change[D]
	proposed        D
}

// Push applies client writes. It returns the documents the client must
// reconcile; an empty list means every row was applied.
//
// Rows are first categorized against the stored state without writing. If
// any row conflicts, nothing is written. Otherwise all writes are applied in
// one store transaction and published to the collection's event stream.
func (e *Engine[D]) Push(ctx context.Context, rows []models.PushRow[D]) ([]D, error) {
	conflicts := make([]D, 0)
	pending := make([]queued[D], 0, len(rows))

	for _, row := range rows {
		proposed := row.NewDocumentState
		proposed.SetTopics(proposed.GetTopics())
		if row.HasAssumedState {
			row.AssumedMasterState.SetTopics(row.AssumedMasterState.GetTopics())
		}

		current, err := e.store.GetDocument(ctx, proposed.GetID())
		switch {
		case err == nil:
			if !row.HasAssumedState || !e.desc.ContentEqual(current, row.AssumedMasterState) {
				conflicts = append(conflicts, current)
				continue
			}
			pending = append(pending, queued[D]{
				clientUpdatedAt: proposed.GetUpdatedAt(),
				change:          e.updateChange(current, proposed),
				proposed:        proposed,
			})

		case errors.Is(err, storage.ErrDocumentNotFound):
			if row.HasAssumedState {
				// the client assumed a state the server never had
				conflicts = append(conflicts, row.AssumedMasterState)
				continue
			}
			pending = append(pending, queued[D]{
				clientUpdatedAt: proposed.GetUpdatedAt(),
				change:          storage.Change[D]{Kind: storage.ChangeCreate, Document: proposed},
				proposed:        proposed,
			})

		default:
			return nil, fmt.Errorf("failed to load document %s: %w", proposed.GetID(), err)
		}
	}

	if len(conflicts) > 0 {
		e.logger.Info("Push rejected with conflicts",
			"rows_count", len(rows),
			"conflicts", len(conflicts))
		return conflicts, nil
	}

	if len(pending) == 0 {
		return conflicts, nil
	}

	for _, q := range pending {
		if err := e.authorizer.Authorize(ctx, operationFor(q.change.Kind), e.desc.Name); err != nil {
			return nil, err
		}
	}

	changes, err := e.apply(ctx, pending)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		e.logger.Error("Failed to apply push, reporting all rows as conflicts",
			"error", err,
			"rows_count", len(rows))

		for _, q := range pending {
			q.proposed.SetUpdatedAt(q.clientUpdatedAt)
			conflicts = append(conflicts, q.proposed)
		}
		return conflicts, nil
	}

	// The write is committed; publishing must not be cut short by the
	// client going away.
	publishCtx := context.WithoutCancel(ctx)
	for _, change := range changes {
		e.publisher.Publish(publishCtx, change.Document)
	}

	e.logger.Info("Push applied", "rows_count", len(rows))

	return conflicts, nil
}

// apply stamps server time on the queued changes and commits them. Stamping
// and committing happen under writeMu.
func (e *Engine[D]) apply(ctx context.Context, pending []queued[D]) ([]storage.Change[D], error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	changes := make([]storage.Change[D], len(pending))
	for i, q := range pending {
		// client clocks are untrusted
		q.change.Document.SetUpdatedAt(e.clock.Now())
		changes[i] = q.change
	}

	if err := e.store.ApplyChanges(ctx, changes); err != nil {
		return nil, err
	}
	return changes, nil
}

// updateChange builds the write for a row whose assumed state matched.
// A deletion only flips the flag on the stored document.
func (e *Engine[D]) updateChange(current, proposed D) storage.Change[D] {
	expected := current.GetUpdatedAt()

	if proposed.GetIsDeleted() {
		current.SetIsDeleted(true)
		return storage.Change[D]{
			Kind:              storage.ChangeDelete,
			Document:          current,
			ExpectedUpdatedAt: expected,
		}
	}

	return storage.Change[D]{
		Kind:              storage.ChangeUpdate,
		Document:          proposed,
		ExpectedUpdatedAt: expected,
	}
}

func operationFor(kind storage.ChangeKind) auth.Operation {
	switch kind {
	case storage.ChangeCreate:
		return auth.OperationCreate
	case storage.ChangeDelete:
		return auth.OperationDelete
	default:
		return auth.OperationUpdate
	}
}
