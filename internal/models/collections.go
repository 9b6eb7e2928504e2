package models

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Collection names registered by the server.
const (
	CollectionHero      = "Hero"
	CollectionWorkspace = "Workspace"
)

// Field length limits for the built-in collections.
const (
	MaxNameLength  = 100
	MaxColorLength = 30
)

// ErrFieldTooLong is wrapped by type validators when a string field exceeds its limit.
var ErrFieldTooLong = errors.New("field exceeds maximum length")

// Hero is a sample replicated document: a named hero with a color.
type Hero struct {
	Base
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Workspace groups users; its topics scope which subscribers see changes.
type Workspace struct {
	Base
	Name string `json:"name"`
}

// HeroDescriptor returns the descriptor of the Hero collection.
func HeroDescriptor() Descriptor[*Hero] {
	return Descriptor[*Hero]{
		Name: CollectionHero,
		New:  func() *Hero { return &Hero{} },
		Validate: func(h *Hero) error {
			if err := checkLength("name", h.Name, MaxNameLength); err != nil {
				return err
			}
			return checkLength("color", h.Color, MaxColorLength)
		},
	}
}

// WorkspaceDescriptor returns the descriptor of the Workspace collection.
func WorkspaceDescriptor() Descriptor[*Workspace] {
	return Descriptor[*Workspace]{
		Name: CollectionWorkspace,
		New:  func() *Workspace { return &Workspace{} },
		Equal: func(a, b *Workspace) bool {
			return a.ID == b.ID && a.Name == b.Name && a.IsDeleted == b.IsDeleted &&
				equalTopics(a.Topics, b.Topics)
		},
		Validate: func(w *Workspace) error {
			return checkLength("name", w.Name, MaxNameLength)
		},
	}
}

func checkLength(field, value string, limit int) error {
	if utf8.RuneCountInString(value) > limit {
		return fmt.Errorf("%s: %w (%d)", field, ErrFieldTooLong, limit)
	}
	return nil
}

func equalTopics(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
