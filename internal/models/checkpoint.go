package models

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrInvalidCheckpoint is returned when only one of the checkpoint fields is set.
var ErrInvalidCheckpoint = errors.New("checkpoint must set both lastDocumentId and updatedAt or neither")

// Checkpoint marks how far a client has replicated one collection.
// The zero value is the empty checkpoint used for an initial pull.
type Checkpoint struct {
	LastUpdatedAt  time.Time
	LastDocumentID string
}

type checkpointJSON struct {
	LastDocumentID *string    `json:"lastDocumentId"`
	UpdatedAt      *time.Time `json:"updatedAt"`
}

// NewCheckpoint returns the checkpoint positioned at doc.
func NewCheckpoint(doc Document) Checkpoint {
	return Checkpoint{
		LastDocumentID: doc.GetID(),
		LastUpdatedAt:  doc.GetUpdatedAt(),
	}
}

// IsEmpty reports whether the checkpoint carries no position.
func (c Checkpoint) IsEmpty() bool {
	return c.LastDocumentID == "" && c.LastUpdatedAt.IsZero()
}

// Before reports whether doc sorts strictly after the checkpoint in the
// (UpdatedAt, ID) order. Every document is after the empty checkpoint.
func (c Checkpoint) Before(doc Document) bool {
	if c.IsEmpty() {
		return true
	}
	updatedAt := doc.GetUpdatedAt()
	if updatedAt.After(c.LastUpdatedAt) {
		return true
	}
	return updatedAt.Equal(c.LastUpdatedAt) && doc.GetID() > c.LastDocumentID
}

// CompareDocuments orders documents by UpdatedAt, then by ID.
func CompareDocuments(a, b Document) int {
	if c := a.GetUpdatedAt().Compare(b.GetUpdatedAt()); c != 0 {
		return c
	}
	return strings.Compare(a.GetID(), b.GetID())
}

// Validate checks that both fields are set or both are empty.
func (c Checkpoint) Validate() error {
	if (c.LastDocumentID == "") != c.LastUpdatedAt.IsZero() {
		return ErrInvalidCheckpoint
	}
	return nil
}

// MarshalJSON encodes the empty checkpoint as two nulls.
func (c Checkpoint) MarshalJSON() ([]byte, error) {
	var out checkpointJSON
	if !c.IsEmpty() {
		id, updatedAt := c.LastDocumentID, c.LastUpdatedAt
		out.LastDocumentID = &id
		out.UpdatedAt = &updatedAt
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a checkpoint and enforces the both-or-neither rule.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	var in checkpointJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*c = Checkpoint{}
	if in.LastDocumentID != nil {
		c.LastDocumentID = *in.LastDocumentID
	}
	if in.UpdatedAt != nil {
		c.LastUpdatedAt = TruncateToMillis(*in.UpdatedAt)
	}
	return c.Validate()
}
