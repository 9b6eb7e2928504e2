package models

// PushRow is one client-proposed write. AssumedMasterState is the server
// state the client based its change on; HasAssumedState is false when the
// client believes the document is new.
type PushRow[D Document] struct {
	AssumedMasterState D
	NewDocumentState   D
	HasAssumedState    bool
}

// PullResult is a batch of documents and the checkpoint to resume from.
// Live stream events use the same shape with a single document.
type PullResult[D Document] struct {
	Documents  []D        `json:"documents"`
	Checkpoint Checkpoint `json:"checkpoint"`
}

// Descriptor describes one replicated collection type.
type Descriptor[D Document] struct {
	// New allocates an empty document, used when decoding stored rows.
	New func() D

	// Equal overrides ContentEqual for the conflict check. Optional.
	Equal func(a, b D) bool

	// Validate checks type specific fields at the boundary. Optional.
	Validate func(doc D) error

	// Name is the document type name, e.g. "Hero". It names the event
	// stream (Stream_<Name>) and the storage partition.
	Name string
}

// ContentEqual compares two documents with the descriptor's equality,
// ignoring UpdatedAt.
func (d Descriptor[D]) ContentEqual(a, b D) bool {
	if d.Equal != nil {
		return d.Equal(a, b)
	}
	return ContentEqual(a, b)
}

// StreamTopic returns the event bus topic for the collection.
func (d Descriptor[D]) StreamTopic() string {
	return "Stream_" + d.Name
}
