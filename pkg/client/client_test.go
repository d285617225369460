package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-tasklists/pkg/docstore"
	"github.com/astromechza/automerge-tasklists/pkg/httpapi"
	"github.com/astromechza/automerge-tasklists/pkg/notify"
	"github.com/astromechza/automerge-tasklists/pkg/session"
	"github.com/astromechza/automerge-tasklists/pkg/store"
	"github.com/astromechza/automerge-tasklists/pkg/store/storetest"
	"github.com/astromechza/automerge-tasklists/pkg/syncer"
)

type env struct {
	url string
	db  *store.DB
	hub *notify.Hub
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := storetest.New(t)
	docs := docstore.New(docstore.Options{})
	hub := notify.NewHub(nil)
	h := syncer.New(db, docs, session.NewManager(db, docs, session.Options{}), syncer.Options{Publisher: hub})
	srv := httptest.NewServer(httpapi.New(h, httpapi.Options{Hub: hub}).Router())
	t.Cleanup(srv.Close)
	return &env{url: srv.URL, db: db, hub: hub}
}

func (e *env) open(t *testing.T, identity, device, listID string) *Replica {
	t.Helper()
	c, err := New(e.url, identity, device, Options{Retries: 1})
	require.NoError(t, err)
	r, err := c.Open(context.Background(), listID, "active")
	require.NoError(t, err)
	return r
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New("ftp://example", "me", "d", Options{})
	assert.Error(t, err)
	_, err = New("http://example", "", "d", Options{})
	assert.Error(t, err)
	c, err := New("http://example", "me", "d", Options{})
	require.NoError(t, err)
	assert.Equal(t, "d", c.DeviceID())
}

func TestPushAndPullBetweenDevices(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	storetest.CreateList(t, e.db, "L", "owner", "a", "b", "c")

	a := e.open(t, "owner", "A", "L")
	b := e.open(t, "owner", "B", "L")

	order, err := a.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)

	require.NoError(t, a.Insert(1, "x"))
	require.NoError(t, b.Append("y"))
	assert.True(t, a.Pending())

	pushed, err := a.Push(ctx)
	require.NoError(t, err)
	assert.True(t, pushed)
	assert.False(t, a.Pending())
	pushed, err = a.Push(ctx)
	require.NoError(t, err)
	assert.False(t, pushed)

	require.NoError(t, b.Sync(ctx))
	require.NoError(t, a.Pull(ctx))

	want := []string{"a", "x", "b", "c", "y"}
	for _, r := range []*Replica{a, b} {
		order, err := r.Order()
		require.NoError(t, err)
		assert.Equal(t, want, order)
	}
	assert.Equal(t, want, storetest.List(t, e.db, "L").TaskOrder)
	assert.Equal(t, a.ServerStateVector(), b.ServerStateVector())

	// a change made after a pull is still delivered against the pulled baseline
	require.NoError(t, a.Move("y", 0))
	require.NoError(t, a.Sync(ctx))
	require.NoError(t, b.Pull(ctx))
	order, err = b.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"y", "a", "x", "b", "c"}, order)
}

func TestOpenErrorsMapToSentinels(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	storetest.CreateList(t, e.db, "L", "owner")

	c, err := New(e.url, "stranger", "S", Options{Retries: 1})
	require.NoError(t, err)
	_, err = c.Open(ctx, "L", "active")
	assert.ErrorIs(t, err, ErrAccessDenied)
	_, err = c.Open(ctx, "missing", "active")
	assert.ErrorIs(t, err, ErrListNotFound)

	owner, err := New(e.url, "owner", "O", Options{Retries: 1})
	require.NoError(t, err)
	_, err = owner.Open(ctx, "L", "idle")
	assert.ErrorIs(t, err, ErrInvalidKind)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestLostSessionIsReportedAndRefreshed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	storetest.CreateList(t, e.db, "L", "owner", "a")

	r := e.open(t, "owner", "A", "L")
	other := e.open(t, "owner", "A", "L")
	assert.Equal(t, r.SessionID(), other.SessionID())
	require.NoError(t, other.Close(ctx))
	require.NoError(t, other.Close(ctx))
	assert.ErrorIs(t, other.Append("z"), ErrClosed)

	assert.ErrorIs(t, r.Heartbeat(ctx), ErrSessionNotFound)
	assert.ErrorIs(t, r.Pull(ctx), ErrSessionNotFound)
	require.NoError(t, r.Append("b"))
	_, err := r.Push(ctx)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, r.Refresh(ctx))
	require.NoError(t, r.Heartbeat(ctx))
	assert.True(t, r.ExpiresAt().After(time.Now()))
	_, err = r.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, storetest.List(t, e.db, "L").TaskOrder)
}

func TestPushRebasesWhenServerDocumentWasRecreated(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	storetest.CreateList(t, e.db, "L", "owner", "a")
	r := e.open(t, "owner", "A", "L")

	require.NoError(t, r.Append("b"))
	require.NoError(t, e.db.InTx(ctx, func(tx *store.Tx) error {
		_, err := tx.DeleteDocument(ctx, "L")
		return err
	}))

	pushed, err := r.Push(ctx)
	require.NoError(t, err)
	assert.True(t, pushed)
	assert.False(t, r.Pending())
	assert.Equal(t, []string{"a", "b"}, storetest.List(t, e.db, "L").TaskOrder)

	require.NoError(t, r.Pull(ctx))
	order, err := r.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestKeepAliveStopsWithContext(t *testing.T) {
	e := newEnv(t)
	storetest.CreateList(t, e.db, "L", "owner")
	r := e.open(t, "owner", "A", "L")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, r.KeepAlive(ctx, 10*time.Millisecond))
	assert.Len(t, storetest.Sessions(t, e.db, "L"), 1)
}

func TestWatchPullsRemoteChanges(t *testing.T) {
	e := newEnv(t)
	storetest.CreateList(t, e.db, "L", "owner", "a")
	watcher := e.open(t, "owner", "W", "L")
	writer := e.open(t, "owner", "P", "L")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orders := make(chan []string, 4)
	done := make(chan error, 1)
	go func() {
		done <- watcher.Watch(ctx, func(order []string) { orders <- order })
	}()
	require.Eventually(t, func() bool { return e.hub.Subscribers("L") == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, writer.Append("b"))
	_, err := writer.Push(context.Background())
	require.NoError(t, err)

	select {
	case order := <-orders:
		assert.Equal(t, []string{"a", "b"}, order)
	case <-time.After(5 * time.Second):
		t.Fatal("no change observed")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}
