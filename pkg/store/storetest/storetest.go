// Package storetest opens throwaway migrated databases for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-tasklists/pkg/store"
)

// New returns a migrated SQLite database in the test's temp dir, closed on cleanup.
func New(t testing.TB) *store.DB {
	t.Helper()
	db, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "tasklists.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate("up"))
	return db
}

// CreateList inserts a list owned by owner with the given order.
func CreateList(t testing.TB, db *store.DB, id, owner string, order ...string) {
	t.Helper()
	require.NoError(t, db.InTx(context.Background(), func(tx *store.Tx) error {
		return tx.CreateList(context.Background(), store.List{ID: id, OwnerID: owner, TaskOrder: order, UpdatedAt: time.Now()})
	}))
}

// AddMember grants appID access to the list.
func AddMember(t testing.TB, db *store.DB, listID, appID string) {
	t.Helper()
	require.NoError(t, db.InTx(context.Background(), func(tx *store.Tx) error {
		return tx.AddListMember(context.Background(), listID, appID)
	}))
}

// Document returns the list's document record or nil.
func Document(t testing.TB, db *store.DB, listID string) *store.DocumentRecord {
	t.Helper()
	var rec *store.DocumentRecord
	require.NoError(t, db.InTx(context.Background(), func(tx *store.Tx) error {
		var err error
		rec, err = tx.GetDocument(context.Background(), listID)
		return err
	}))
	return rec
}

// Sessions returns every session row for the list.
func Sessions(t testing.TB, db *store.DB, listID string) []*store.Session {
	t.Helper()
	var out []*store.Session
	require.NoError(t, db.InTx(context.Background(), func(tx *store.Tx) error {
		var err error
		out, err = tx.ListSessions(context.Background(), listID)
		return err
	}))
	return out
}

// List returns the list record.
func List(t testing.TB, db *store.DB, listID string) *store.List {
	t.Helper()
	var out *store.List
	require.NoError(t, db.InTx(context.Background(), func(tx *store.Tx) error {
		var err error
		out, err = tx.GetList(context.Background(), listID)
		return err
	}))
	return out
}
