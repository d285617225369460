package crdt

import "errors"

var (
	// ErrCorruptDocument is returned when stored bytes cannot be loaded as an automerge document.
	ErrCorruptDocument = errors.New("corrupt document")
	// ErrMalformedDelta is returned when a delta or state vector cannot be parsed.
	ErrMalformedDelta = errors.New("malformed delta")
	// ErrInvalidDocument is returned when the task order register is missing or holds
	// something other than a list of item ids.
	ErrInvalidDocument = errors.New("invalid document")
	// ErrUnknownStateVector is returned when a delta is requested relative to heads
	// this replica has never seen.
	ErrUnknownStateVector = errors.New("state vector references unknown changes")
	// ErrMissingDependencies is returned when a delta builds on changes this document does not
	// have, so it could not be applied.
	ErrMissingDependencies = errors.New("delta depends on unknown changes")
)
