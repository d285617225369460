package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/astromechza/automerge-tasklists/pkg/api"
	"github.com/astromechza/automerge-tasklists/pkg/crdt"
	"github.com/astromechza/automerge-tasklists/pkg/session"
	"github.com/astromechza/automerge-tasklists/pkg/store"
	"github.com/astromechza/automerge-tasklists/pkg/syncer"
)

var errInvalidRequest = errors.New("invalid request body")

// classify maps an engine error to its HTTP status and wire code.
func classify(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, session.ErrAccessDenied):
		return http.StatusForbidden, api.CodeAccessDenied
	case errors.Is(err, store.ErrListNotFound):
		return http.StatusNotFound, api.CodeListNotFound
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, api.CodeSessionNotFound
	case errors.Is(err, crdt.ErrMissingDependencies):
		return http.StatusConflict, api.CodeMissingDependencies
	case errors.Is(err, crdt.ErrMalformedDelta), errors.Is(err, crdt.ErrUnknownStateVector):
		return http.StatusBadRequest, api.CodeMalformedDelta
	case errors.Is(err, session.ErrInvalidKind):
		return http.StatusBadRequest, api.CodeInvalidKind
	case errors.Is(err, session.ErrMissingIdentity):
		return http.StatusBadRequest, api.CodeMissingIdentity
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, api.CodeInvalidRequest
	case errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest, api.CodeInvalidRequest
	case errors.Is(err, syncer.ErrInvalidDocumentState):
		return http.StatusUnprocessableEntity, api.CodeInvalidDocumentState
	case errors.Is(err, crdt.ErrCorruptDocument):
		return http.StatusInternalServerError, api.CodeCorruptDocument
	}
	return http.StatusInternalServerError, api.CodeInternal
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "url", r.URL, "err", err)
		if code == api.CodeInternal {
			msg = http.StatusText(status)
		}
	}
	writeJSON(w, status, api.ErrorResponse{Code: code, Message: msg})
}
