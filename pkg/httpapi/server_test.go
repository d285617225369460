package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-tasklists/pkg/api"
	"github.com/astromechza/automerge-tasklists/pkg/crdt"
	"github.com/astromechza/automerge-tasklists/pkg/docstore"
	"github.com/astromechza/automerge-tasklists/pkg/notify"
	"github.com/astromechza/automerge-tasklists/pkg/session"
	"github.com/astromechza/automerge-tasklists/pkg/store"
	"github.com/astromechza/automerge-tasklists/pkg/store/storetest"
	"github.com/astromechza/automerge-tasklists/pkg/syncer"
)

func newTestServer(t *testing.T, checks map[string]HealthCheck) (*httptest.Server, *store.DB) {
	srv, db, _ := newTestServerWithHub(t, checks)
	return srv, db
}

func newServer(t *testing.T, checks map[string]HealthCheck) (*Server, *store.DB, *notify.Hub) {
	t.Helper()
	db := storetest.New(t)
	docs := docstore.New(docstore.Options{})
	hub := notify.NewHub(nil)
	h := syncer.New(db, docs, session.NewManager(db, docs, session.Options{}), syncer.Options{Publisher: hub})
	return New(h, Options{Hub: hub, HealthChecks: checks, MaxBodyBytes: 64 << 10}), db, hub
}

func newTestServerWithHub(t *testing.T, checks map[string]HealthCheck) (*httptest.Server, *store.DB, *notify.Hub) {
	t.Helper()
	s, db, hub := newServer(t, checks)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv, db, hub
}

func do(t *testing.T, srv *httptest.Server, method, path, identity, device string, body interface{}, out interface{}) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	if identity != "" {
		req.Header.Set(api.HeaderIdentity, identity)
	}
	if device != "" {
		req.Header.Set(api.HeaderDeviceID, device)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	srv, db := newTestServer(t, nil)
	storetest.CreateList(t, db, "L", "owner", "a", "b")

	var started api.StartSessionResponse
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/lists/L/sessions", "owner", "A", api.StartSessionRequest{Kind: "active"}, &started))
	assert.NotEmpty(t, started.SessionID)
	assert.True(t, started.ExpiresAt.After(time.Now()))

	doc, err := crdt.Decode(started.DocumentState)
	require.NoError(t, err)
	require.NoError(t, doc.SetActor("A"))
	require.NoError(t, doc.Move("b", 0))
	delta, err := doc.DeltaSince(started.StateVector)
	require.NoError(t, err)

	var pushed api.PushUpdateResponse
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/lists/L/updates", "owner", "A", api.PushUpdateRequest{Update: api.EncodeUpdate(delta), Heads: doc.EncodeStateVector()}, &pushed))
	assert.True(t, pushed.Success)
	assert.Equal(t, doc.EncodeStateVector(), pushed.StateVector)

	var state api.FetchStateResponse
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/lists/L/state", "owner", "A", nil, &state))
	assert.True(t, state.HasUpdates)
	fetched, err := crdt.Decode(state.DocumentState)
	require.NoError(t, err)
	order, err := fetched.ReadOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, order)

	var ok api.SuccessResponse
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/lists/L/heartbeat", "owner", "A", nil, &ok))
	assert.True(t, ok.Success)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodDelete, "/lists/L/sessions", "owner", "A", nil, &ok))
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodDelete, "/lists/L/sessions", "owner", "A", nil, &ok))
	assert.Nil(t, storetest.Document(t, db, "L"))
}

func TestErrorMapping(t *testing.T) {
	srv, db := newTestServer(t, nil)
	storetest.CreateList(t, db, "L", "owner", "a")

	cases := []struct {
		name     string
		method   string
		path     string
		identity string
		body     interface{}
		status   int
		code     string
	}{
		{"missing headers", http.MethodPost, "/lists/L/sessions", "", nil, http.StatusBadRequest, api.CodeMissingIdentity},
		{"unknown list", http.MethodPost, "/lists/nope/sessions", "owner", nil, http.StatusNotFound, api.CodeListNotFound},
		{"stranger", http.MethodPost, "/lists/L/sessions", "stranger", nil, http.StatusForbidden, api.CodeAccessDenied},
		{"bad kind", http.MethodPost, "/lists/L/sessions", "owner", api.StartSessionRequest{Kind: "sleepy"}, http.StatusBadRequest, api.CodeInvalidKind},
		{"no session fetch", http.MethodGet, "/lists/L/state", "owner", nil, http.StatusNotFound, api.CodeSessionNotFound},
		{"no session on unknown list", http.MethodGet, "/lists/nope/state", "owner", nil, http.StatusNotFound, api.CodeSessionNotFound},
		{"no session push on unknown list", http.MethodPost, "/lists/nope/updates", "owner", api.PushUpdateRequest{}, http.StatusNotFound, api.CodeSessionNotFound},
		{"no session heartbeat", http.MethodPost, "/lists/L/heartbeat", "owner", nil, http.StatusNotFound, api.CodeSessionNotFound},
		{"bad json", http.MethodPost, "/lists/L/updates", "owner", "not an object", http.StatusBadRequest, api.CodeInvalidRequest},
		{"oversized", http.MethodPost, "/lists/L/updates", "owner", api.PushUpdateRequest{Update: strings.Repeat("A", 128<<10)}, http.StatusRequestEntityTooLarge, api.CodeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			device := ""
			if tc.identity != "" {
				device = "D"
			}
			var out api.ErrorResponse
			assert.Equal(t, tc.status, do(t, srv, tc.method, tc.path, tc.identity, device, tc.body, &out))
			assert.Equal(t, tc.code, out.Code)
			assert.NotEmpty(t, out.Message)
		})
	}
}

func TestPushErrorsOverHTTP(t *testing.T) {
	srv, db := newTestServer(t, nil)
	storetest.CreateList(t, db, "L", "owner", "a")

	var started api.StartSessionResponse
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/lists/L/sessions", "owner", "A", nil, &started))

	var out api.ErrorResponse
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/lists/L/updates", "owner", "A", api.PushUpdateRequest{Update: "@@@"}, &out))
	assert.Equal(t, api.CodeMalformedDelta, out.Code)

	unknown := bytes.Repeat([]byte{0xff}, 32)
	assert.Equal(t, http.StatusConflict, do(t, srv, http.MethodPost, "/lists/L/updates", "owner", "A", api.PushUpdateRequest{Heads: unknown}, &out))
	assert.Equal(t, api.CodeMissingDependencies, out.Code)

	doc, err := crdt.Decode(started.DocumentState)
	require.NoError(t, err)
	require.NoError(t, doc.ReplaceRegister(int64(7)))
	delta, err := doc.DeltaSince(started.StateVector)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, do(t, srv, http.MethodPost, "/lists/L/updates", "owner", "A", api.PushUpdateRequest{Update: api.EncodeUpdate(delta)}, &out))
	assert.Equal(t, api.CodeInvalidDocumentState, out.Code)
	assert.Equal(t, []string{"a"}, storetest.List(t, db, "L").TaskOrder)
}

func TestSweepAndHealth(t *testing.T) {
	failing := errors.New("redis unreachable")
	s, db, _ := newServer(t, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
	})
	storetest.CreateList(t, db, "L", "owner", "a")
	public := httptest.NewServer(s.Router())
	defer public.Close()
	admin := httptest.NewServer(s.AdminRouter())
	defer admin.Close()

	assert.Equal(t, http.StatusNotFound, do(t, public, http.MethodPost, "/admin/sweep", "", "", nil, nil))

	var swept api.SweepResponse
	require.Equal(t, http.StatusOK, do(t, admin, http.MethodPost, "/admin/sweep", "", "", nil, &swept))
	assert.Zero(t, swept.Sessions)
	assert.Empty(t, swept.Lists)

	var health api.HealthResponse
	for _, srv := range []*httptest.Server{public, admin} {
		require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/healthz", "", "", nil, &health))
		assert.Equal(t, "ok", health.Status)
		assert.Equal(t, "ok", health.Checks["database"])
	}

	bad, _ := newTestServer(t, map[string]HealthCheck{
		"redis": func(context.Context) error { return failing },
	})
	require.Equal(t, http.StatusServiceUnavailable, do(t, bad, http.MethodGet, "/healthz", "", "", nil, &health))
	assert.Equal(t, "unavailable", health.Status)
	assert.Equal(t, failing.Error(), health.Checks["redis"])
}

func TestEventsStreamPushes(t *testing.T) {
	srv, db, hub := newTestServerWithHub(t, nil)
	storetest.CreateList(t, db, "L", "owner", "a")

	var watcher, pusher api.StartSessionResponse
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/lists/L/sessions", "owner", "W", nil, &watcher))
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/lists/L/sessions", "owner", "P", nil, &pusher))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/lists/L/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{api.HeaderIdentity: {"owner"}, api.HeaderDeviceID: {"nobody"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{api.HeaderIdentity: {"owner"}, api.HeaderDeviceID: {"W"}})
	require.NoError(t, err)
	defer conn.Close()

	doc, err := crdt.Decode(pusher.DocumentState)
	require.NoError(t, err)
	require.NoError(t, doc.SetActor("P"))
	require.NoError(t, doc.Append("b"))
	delta, err := doc.DeltaSince(pusher.StateVector)
	require.NoError(t, err)

	// the subscription is registered just after the upgrade completes
	require.Eventually(t, func() bool { return hub.Subscribers("L") == 1 }, 5*time.Second, 5*time.Millisecond)
	var pushed api.PushUpdateResponse
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/lists/L/updates", "owner", "P", api.PushUpdateRequest{Update: api.EncodeUpdate(delta)}, &pushed))

	var ev api.ChangeEvent
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "L", ev.ListID)
	assert.Equal(t, "P", ev.Origin)
	assert.Equal(t, doc.EncodeStateVector(), ev.StateVector)
}
