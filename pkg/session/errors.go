package session

import "errors"

var (
	// ErrAccessDenied is returned when the caller may not edit the list.
	ErrAccessDenied = errors.New("access denied")
	// ErrSessionNotFound is returned when no live session matches the list and device.
	// Callers recover by starting a new session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidKind is returned for a session kind other than active or background.
	ErrInvalidKind = errors.New("invalid session kind")
	// ErrMissingIdentity is returned when the list, identity or device id is empty.
	ErrMissingIdentity = errors.New("list id, identity and device id are required")
)
