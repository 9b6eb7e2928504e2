package storage

import "errors"

// Common storage errors
var (
	// ErrDocumentNotFound indicates that no document with the given id exists
	ErrDocumentNotFound = errors.New("document not found")

	// ErrDocumentExists indicates that a create collided with an existing document
	ErrDocumentExists = errors.New("document already exists")

	// ErrStaleDocument indicates that a document changed between read and write
	ErrStaleDocument = errors.New("document was modified concurrently")
)
