package client

import (
	"errors"
	"fmt"

	"github.com/astromechza/automerge-tasklists/pkg/api"
)

var (
	ErrAccessDenied         = errors.New("access denied")
	ErrListNotFound         = errors.New("list not found")
	ErrSessionNotFound      = errors.New("session not found")
	ErrMalformedDelta       = errors.New("malformed delta")
	ErrMissingDependencies  = errors.New("server is missing changes the update depends on")
	ErrInvalidKind          = errors.New("invalid session kind")
	ErrInvalidDocumentState = errors.New("invalid document state")
	ErrCorruptDocument      = errors.New("corrupt document")
	ErrClosed               = errors.New("replica is closed")
)

var codeErrors = map[string]error{
	api.CodeAccessDenied:         ErrAccessDenied,
	api.CodeListNotFound:         ErrListNotFound,
	api.CodeSessionNotFound:      ErrSessionNotFound,
	api.CodeMalformedDelta:       ErrMalformedDelta,
	api.CodeMissingDependencies:  ErrMissingDependencies,
	api.CodeInvalidKind:          ErrInvalidKind,
	api.CodeInvalidDocumentState: ErrInvalidDocumentState,
	api.CodeCorruptDocument:      ErrCorruptDocument,
}

// APIError is a non-2xx response from the sync server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sync server returned %d %s: %s", e.Status, e.Code, e.Message)
}

// Is matches the package sentinel that corresponds to the error code, so callers can write
// errors.Is(err, client.ErrSessionNotFound).
func (e *APIError) Is(target error) bool {
	sentinel, ok := codeErrors[e.Code]
	return ok && sentinel == target
}

// temporary reports whether retrying the same request might succeed.
func (e *APIError) temporary() bool {
	return e.Status >= 500 && e.Code != api.CodeCorruptDocument
}
