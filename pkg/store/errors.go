package store

import "errors"

var (
	// ErrListNotFound is returned when the referenced list does not exist.
	ErrListNotFound = errors.New("list not found")
	// ErrListExists is returned when creating a list whose id is taken.
	ErrListExists = errors.New("list already exists")
	// ErrDocumentNotFound is returned when updating a document record that is gone.
	ErrDocumentNotFound = errors.New("document not found")
)
