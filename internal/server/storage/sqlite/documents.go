package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ziptility/rxsync/internal/models"
	"github.com/ziptility/rxsync/internal/server/storage"
)

// Collection stores the documents of one descriptor in the shared documents
// table, partitioned by the descriptor name.
type Collection[D models.Document] struct {
	storage *Storage
	desc    models.Descriptor[D]
}

// NewCollection binds a descriptor to the storage.
func NewCollection[D models.Document](s *Storage, desc models.Descriptor[D]) *Collection[D] {
	return &Collection[D]{storage: s, desc: desc}
}

// GetDocument retrieves a single document by ID, soft deleted ones included.
// Returns ErrDocumentNotFound if the document doesn't exist
func (c *Collection[D]) GetDocument(ctx context.Context, id string) (D, error) {
	query := `
		SELECT body
		FROM documents
		WHERE collection = ? AND id = ?
	`

	var zero D
	var body []byte

	err := c.storage.db.QueryRowContext(ctx, query, c.desc.Name, id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return zero, storage.ErrDocumentNotFound
		}
		return zero, fmt.Errorf("failed to get document: %w", err)
	}

	return c.decode(body)
}

// ListDocumentsAfter returns up to limit documents after the checkpoint,
// ordered by (updated_at, id).
func (c *Collection[D]) ListDocumentsAfter(ctx context.Context, checkpoint models.Checkpoint, limit int) ([]D, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if checkpoint.IsEmpty() {
		query := `
			SELECT body
			FROM documents
			WHERE collection = ?
			ORDER BY updated_at ASC, id ASC
			LIMIT ?
		`
		rows, err = c.storage.db.QueryContext(ctx, query, c.desc.Name, limit)
	} else {
		query := `
			SELECT body
			FROM documents
			WHERE collection = ?
			  AND (updated_at > ? OR (updated_at = ? AND id > ?))
			ORDER BY updated_at ASC, id ASC
			LIMIT ?
		`
		ts := toMillis(checkpoint.LastUpdatedAt)
		rows, err = c.storage.db.QueryContext(ctx, query,
			c.desc.Name, ts, ts, checkpoint.LastDocumentID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query documents after checkpoint: %w", err)
	}
	defer rows.Close()

	return c.scanDocuments(rows)
}

// ApplyChanges writes every change inside one transaction.
func (c *Collection[D]) ApplyChanges(ctx context.Context, changes []storage.Change[D]) (err error) {
	tx, err := c.storage.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, change := range changes {
		if err = c.applyChange(ctx, tx, change); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (c *Collection[D]) applyChange(ctx context.Context, tx *sql.Tx, change storage.Change[D]) error {
	doc := change.Document

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", doc.GetID(), err)
	}

	topics, err := json.Marshal(nonNil(doc.GetTopics()))
	if err != nil {
		return fmt.Errorf("failed to encode topics of %s: %w", doc.GetID(), err)
	}

	if change.Kind == storage.ChangeCreate {
		query := `
			INSERT INTO documents (collection, id, updated_at, is_deleted, topics, body)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (collection, id) DO NOTHING
		`

		result, err := tx.ExecContext(ctx, query,
			c.desc.Name,
			doc.GetID(),
			toMillis(doc.GetUpdatedAt()),
			boolToInt(doc.GetIsDeleted()),
			string(topics),
			body,
		)
		if err != nil {
			return fmt.Errorf("failed to insert document %s: %w", doc.GetID(), err)
		}

		return expectOneRow(result, doc.GetID(), storage.ErrDocumentExists)
	}

	query := `
		UPDATE documents
		SET updated_at = ?, is_deleted = ?, topics = ?, body = ?
		WHERE collection = ? AND id = ? AND updated_at = ?
	`

	result, err := tx.ExecContext(ctx, query,
		toMillis(doc.GetUpdatedAt()),
		boolToInt(doc.GetIsDeleted()),
		string(topics),
		body,
		c.desc.Name,
		doc.GetID(),
		toMillis(change.ExpectedUpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to %s document %s: %w", change.Kind, doc.GetID(), err)
	}

	return expectOneRow(result, doc.GetID(), storage.ErrStaleDocument)
}

// scanDocuments decodes every row of a body query.
func (c *Collection[D]) scanDocuments(rows *sql.Rows) ([]D, error) {
	var docs []D

	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}

		doc, err := c.decode(body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return docs, nil
}

func (c *Collection[D]) decode(body []byte) (D, error) {
	doc := c.desc.New()
	if err := json.Unmarshal(body, doc); err != nil {
		var zero D
		return zero, fmt.Errorf("failed to decode %s document: %w", c.desc.Name, err)
	}
	doc.SetUpdatedAt(doc.GetUpdatedAt())
	return doc, nil
}

func expectOneRow(result sql.Result, id string, sentinel error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", id, sentinel)
	}
	return nil
}

// Helper functions for column conversion
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func nonNil(topics []string) []string {
	if topics == nil {
		return []string{}
	}
	return topics
}
