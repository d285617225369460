package syncer

import "errors"

// ErrInvalidDocumentState is returned when a pushed delta merges cleanly but leaves the order
// register unreadable. Nothing is persisted.
var ErrInvalidDocumentState = errors.New("merged document is not a valid task order")
