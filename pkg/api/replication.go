// Package api defines the JSON wire format of the replication endpoints.
package api

import (
	"encoding/json"
	"time"
)

// Checkpoint is the wire form of a replication checkpoint. Both fields are
// null for the initial pull, otherwise both are set.
type Checkpoint struct {
	LastDocumentID *string    `json:"lastDocumentId"`
	UpdatedAt      *time.Time `json:"updatedAt"`
}

// PullRequest is the body of POST /api/v1/<collection>/pull.
type PullRequest struct {
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"` // nil means initial pull
	Limit      int         `json:"limit,omitempty"`      // 0 selects the server default
}

// PullResponse is a page of documents and the checkpoint to resume from.
// It is also the payload of every stream event.
type PullResponse struct {
	Documents  []json.RawMessage `json:"documents"`
	Checkpoint Checkpoint        `json:"checkpoint"`
}

// PushRow is one client write. AssumedMasterState is omitted or null when the
// client believes the document does not exist on the server yet.
type PushRow struct {
	AssumedMasterState json.RawMessage `json:"assumedMasterState,omitempty"`
	NewDocumentState   json.RawMessage `json:"newDocumentState"`
}

// HasAssumedState reports whether the row carries an assumed master state.
func (r PushRow) HasAssumedState() bool {
	return len(r.AssumedMasterState) > 0 && string(r.AssumedMasterState) != "null"
}

// PushRequest is the body of POST /api/v1/<collection>/push.
type PushRequest struct {
	Rows []PushRow `json:"rows"`
}

// PushResponse lists the server documents the client must reconcile. An
// empty list means every row was applied.
type PushResponse struct {
	Conflicts []json.RawMessage `json:"conflicts"`
}
