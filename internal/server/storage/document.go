package storage

import (
	"context"
	"time"

	"github.com/ziptility/rxsync/internal/models"
)

// ChangeKind is the kind of write a Change performs.
type ChangeKind int

const (
	// ChangeCreate inserts a document that did not exist before
	ChangeCreate ChangeKind = iota
	// ChangeUpdate replaces the fields of an existing document
	ChangeUpdate
	// ChangeDelete soft deletes an existing document
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreate:
		return "create"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is one write inside an atomic batch.
type Change[D models.Document] struct {
	// ExpectedUpdatedAt is the UpdatedAt of the stored row observed before the
	// change was computed. Ignored for creates.
	ExpectedUpdatedAt time.Time
	// Document is the complete state to persist, UpdatedAt already stamped.
	Document D
	Kind     ChangeKind
}

// DocumentStore defines the persistence port of one replicated collection.
type DocumentStore[D models.Document] interface {
	// GetDocument retrieves a document by id, including soft deleted ones.
	// Returns ErrDocumentNotFound if it doesn't exist.
	GetDocument(ctx context.Context, id string) (D, error)

	// ListDocumentsAfter returns up to limit documents positioned strictly after
	// checkpoint, ordered by (UpdatedAt, ID) ascending. Soft deleted documents
	// are included. An empty checkpoint lists from the beginning.
	ListDocumentsAfter(ctx context.Context, checkpoint models.Checkpoint, limit int) ([]D, error)

	// ApplyChanges persists all changes as a single unit. Updates and deletes
	// fail with ErrStaleDocument when the stored UpdatedAt no longer equals
	// ExpectedUpdatedAt; creates fail with ErrDocumentExists on collision.
	// On any error nothing is persisted.
	ApplyChanges(ctx context.Context, changes []Change[D]) error
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}
