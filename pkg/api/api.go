// Package api holds the JSON wire shapes shared by the HTTP server and client. Byte fields are
// base64 encoded by encoding/json.
package api

import (
	"encoding/base64"
	"strings"
	"time"
)

const (
	HeaderIdentity = "X-Identity"
	HeaderDeviceID = "X-Device-ID"
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeAccessDenied         = "access_denied"
	CodeListNotFound         = "list_not_found"
	CodeSessionNotFound      = "session_not_found"
	CodeMalformedDelta       = "malformed_delta"
	CodeMissingDependencies  = "missing_dependencies"
	CodeInvalidKind          = "invalid_kind"
	CodeMissingIdentity      = "missing_identity"
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidDocumentState = "invalid_document_state"
	CodeCorruptDocument      = "corrupt_document"
	CodeInternal             = "internal"
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type StartSessionRequest struct {
	Kind string `json:"kind,omitempty"`
}

type StartSessionResponse struct {
	SessionID     string    `json:"sessionId"`
	DocumentState []byte    `json:"documentState"`
	StateVector   []byte    `json:"stateVector"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

type FetchStateResponse struct {
	DocumentState []byte `json:"documentState"`
	StateVector   []byte `json:"stateVector"`
	HasUpdates    bool   `json:"hasUpdates"`
}

type PushUpdateRequest struct {
	// Update is the base64 encoded delta.
	Update string `json:"update"`
	// Heads is the sender's state vector after the delta. When set, the push is rejected unless
	// the merged document contains all of it.
	Heads []byte `json:"heads,omitempty"`
}

type PushUpdateResponse struct {
	Success     bool   `json:"success"`
	StateVector []byte `json:"stateVector"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type SweepResponse struct {
	Sessions  int      `json:"sessions"`
	Lists     []string `json:"lists"`
	Reclaimed []string `json:"reclaimed"`
}

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// ChangeEvent is sent over the events websocket after each committed push.
type ChangeEvent struct {
	ListID      string `json:"listId"`
	StateVector []byte `json:"stateVector"`
	Origin      string `json:"origin,omitempty"`
}

// EncodeUpdate renders a delta in its wire form.
func EncodeUpdate(delta []byte) string {
	return base64.StdEncoding.EncodeToString(delta)
}

// DecodeUpdate parses the wire form of a delta.
func DecodeUpdate(update string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.TrimSpace(update))
}
