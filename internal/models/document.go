package models

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"
)

// Document is the contract every replicated collection type satisfies.
// Implementations are pointer types embedding Base.
type Document interface {
	GetID() string
	GetUpdatedAt() time.Time
	SetUpdatedAt(t time.Time)
	GetIsDeleted() bool
	SetIsDeleted(deleted bool)
	GetTopics() []string
	SetTopics(topics []string)
}

// Base holds the replication fields shared by all collection types.
type Base struct {
	UpdatedAt time.Time `json:"updatedAt"` // UpdatedAt server-assigned time of the last write
	ID        string    `json:"id"`        // ID client-assigned identifier, immutable
	Topics    []string  `json:"topics,omitempty"`
	IsDeleted bool      `json:"isDeleted"` // IsDeleted soft delete marker
}

// GetID returns the document identifier.
func (b *Base) GetID() string {
	return b.ID
}

// GetUpdatedAt returns the time of the last server write.
func (b *Base) GetUpdatedAt() time.Time {
	return b.UpdatedAt
}

// SetUpdatedAt stores t truncated to millisecond precision.
func (b *Base) SetUpdatedAt(t time.Time) {
	b.UpdatedAt = TruncateToMillis(t)
}

// GetIsDeleted reports whether the document is soft deleted.
func (b *Base) GetIsDeleted() bool {
	return b.IsDeleted
}

// SetIsDeleted sets the soft delete marker.
func (b *Base) SetIsDeleted(deleted bool) {
	b.IsDeleted = deleted
}

// GetTopics returns the topic tags of the document.
func (b *Base) GetTopics() []string {
	return b.Topics
}

// SetTopics stores topics with surrounding whitespace trimmed.
func (b *Base) SetTopics(topics []string) {
	b.Topics = NormalizeTopics(topics)
}

// TruncateToMillis drops sub-millisecond ticks and converts to UTC so that
// timestamps compare equal after a round trip through JSON or SQLite.
func TruncateToMillis(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.UnixMilli(t.UnixMilli()).UTC()
}

// NormalizeTopics trims every topic. A nil slice stays nil.
func NormalizeTopics(topics []string) []string {
	if topics == nil {
		return nil
	}
	out := make([]string, len(topics))
	for i, topic := range topics {
		out[i] = strings.TrimSpace(topic)
	}
	return out
}

// HasAnyTopic reports whether doc carries at least one of the filter topics.
// An empty filter matches every document.
func HasAnyTopic(doc Document, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, topic := range doc.GetTopics() {
		for _, want := range filter {
			if topic == want {
				return true
			}
		}
	}
	return false
}

// ContentEqual compares two documents field by field through their JSON form,
// ignoring updatedAt.
func ContentEqual(a, b Document) bool {
	left, err := contentFields(a)
	if err != nil {
		return false
	}
	right, err := contentFields(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(left, right)
}

func contentFields(doc Document) (map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	delete(fields, "updatedAt")
	// nil and empty topics mean the same thing
	if topics, ok := fields["topics"].([]any); ok && len(topics) == 0 {
		delete(fields, "topics")
	}
	return fields, nil
}
