package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ziptility/rxsync/internal/models"
)

const (
	// MaxIDLength maximum length of a document identifier
	MaxIDLength = 100
	// MinTopics minimum number of topics when the list is present
	MinTopics = 1
	// MaxTopics maximum number of topics on a document or subscription
	MaxTopics = 10
	// MaxTopicLength maximum length of a single topic
	MaxTopicLength = 100
)

// ErrInvalidInput is wrapped by every validation failure so callers can map
// it to a client error with errors.Is.
var ErrInvalidInput = errors.New("invalid input")

// Error describes one rejected field.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidInput.
func (e *Error) Unwrap() error {
	return ErrInvalidInput
}

func fieldError(field, format string, args ...any) error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ValidateDocument checks the replication fields of doc and then runs the
// descriptor's type specific validator.
func ValidateDocument[D models.Document](desc models.Descriptor[D], doc D) error {
	if err := ValidateID(doc.GetID()); err != nil {
		return err
	}

	if doc.GetUpdatedAt().IsZero() {
		return fieldError("updatedAt", "must not be empty")
	}

	if err := ValidateTopics(doc.GetTopics()); err != nil {
		return err
	}

	if desc.Validate != nil {
		if err := desc.Validate(doc); err != nil {
			return &Error{Field: desc.Name, Reason: err.Error()}
		}
	}

	return nil
}

// ValidateID checks a document identifier.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fieldError("id", "must not be empty")
	}

	if utf8.RuneCountInString(id) > MaxIDLength {
		return fieldError("id", "must not exceed %d characters", MaxIDLength)
	}

	return nil
}

// ValidateTopics checks a topic list. A nil list is allowed; a present list
// holds 1-10 non-blank entries.
func ValidateTopics(topics []string) error {
	if topics == nil {
		return nil
	}

	if len(topics) < MinTopics || len(topics) > MaxTopics {
		return fieldError("topics", "must contain between %d and %d entries", MinTopics, MaxTopics)
	}

	for i, topic := range topics {
		trimmed := strings.TrimSpace(topic)
		if trimmed == "" {
			return fieldError(fmt.Sprintf("topics[%d]", i), "must not be empty")
		}
		if utf8.RuneCountInString(trimmed) > MaxTopicLength {
			return fieldError(fmt.Sprintf("topics[%d]", i), "must not exceed %d characters", MaxTopicLength)
		}
	}

	return nil
}

// ValidatePushRow checks both states of a push row and that they describe the
// same document.
func ValidatePushRow[D models.Document](desc models.Descriptor[D], row models.PushRow[D]) error {
	if err := ValidateDocument(desc, row.NewDocumentState); err != nil {
		return fmt.Errorf("newDocumentState: %w", err)
	}

	if !row.HasAssumedState {
		return nil
	}

	if err := ValidateDocument(desc, row.AssumedMasterState); err != nil {
		return fmt.Errorf("assumedMasterState: %w", err)
	}

	if row.AssumedMasterState.GetID() != row.NewDocumentState.GetID() {
		return fieldError("assumedMasterState.id", "must match newDocumentState.id")
	}

	return nil
}
