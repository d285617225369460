package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-tasklists/pkg/store"
	"github.com/astromechza/automerge-tasklists/pkg/store/storetest"
)

var errRollback = errors.New("rollback")

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := store.Open("oracle", "x")
	assert.Error(t, err)
	_, err = store.Open(store.DriverSQLite, "  ")
	assert.Error(t, err)
}

func TestMigrateIsRepeatable(t *testing.T) {
	db := storetest.New(t)
	assert.NoError(t, db.Migrate("up"))
	assert.Error(t, db.Migrate("sideways"))
}

func TestListsAndMembership(t *testing.T) {
	ctx := context.Background()
	db := storetest.New(t)
	storetest.CreateList(t, db, "L", "owner", "a", "b")
	storetest.AddMember(t, db, "L", "friend")

	err := db.InTx(ctx, func(tx *store.Tx) error {
		return tx.CreateList(ctx, store.List{ID: "L", OwnerID: "other"})
	})
	assert.ErrorIs(t, err, store.ErrListExists)

	require.NoError(t, db.InTx(ctx, func(tx *store.Tx) error {
		for who, want := range map[string]bool{"owner": true, "friend": true, "stranger": false} {
			ok, err := tx.IsListMember(ctx, "L", who)
			require.NoError(t, err)
			assert.Equal(t, want, ok, who)
		}
		ok, err := tx.IsListMember(ctx, "missing", "owner")
		require.NoError(t, err)
		assert.False(t, ok)

		assert.ErrorIs(t, tx.LockList(ctx, "missing"), store.ErrListNotFound)
		require.NoError(t, tx.LockList(ctx, "L"))

		require.NoError(t, tx.WriteListOrder(ctx, "L", []string{"b", "a"}, time.Now()))
		assert.ErrorIs(t, tx.WriteListOrder(ctx, "missing", nil, time.Now()), store.ErrListNotFound)
		return nil
	}))

	assert.Equal(t, []string{"b", "a"}, storetest.List(t, db, "L").TaskOrder)
}

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db := storetest.New(t)
	storetest.CreateList(t, db, "L", "owner", "a")

	err := db.InTx(ctx, func(tx *store.Tx) error {
		require.NoError(t, tx.WriteListOrder(ctx, "L", []string{"z"}, time.Now()))
		return errRollback
	})
	assert.ErrorIs(t, err, errRollback)
	assert.Equal(t, []string{"a"}, storetest.List(t, db, "L").TaskOrder)
}

func TestUpsertSessionKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	db := storetest.New(t)
	storetest.CreateList(t, db, "L", "owner")
	now := time.UnixMilli(1_700_000_000_000).UTC()

	var first, second *store.Session
	require.NoError(t, db.InTx(ctx, func(tx *store.Tx) error {
		var err error
		first, err = tx.UpsertSession(ctx, store.Session{
			ID: "s-1", ListID: "L", AppID: "owner", DeviceID: "d", Kind: "active",
			ExpiresAt: now.Add(time.Hour), LastActivity: now, IsActive: true, CreatedAt: now,
		})
		if err != nil {
			return err
		}
		second, err = tx.UpsertSession(ctx, store.Session{
			ID: "s-2", ListID: "L", AppID: "owner", DeviceID: "d", Kind: "background",
			ExpiresAt: now.Add(time.Minute), LastActivity: now.Add(time.Second), IsActive: true, CreatedAt: now.Add(time.Second),
		})
		return err
	}))

	assert.Equal(t, "s-1", first.ID)
	assert.Equal(t, "s-1", second.ID)
	assert.Equal(t, "background", second.Kind)
	assert.Equal(t, now.Add(time.Minute), second.ExpiresAt)
	assert.Equal(t, now, second.CreatedAt)
	assert.True(t, second.IsActive)
	assert.Len(t, storetest.Sessions(t, db, "L"), 1)
}

func TestDeleteDeadSessions(t *testing.T) {
	ctx := context.Background()
	db := storetest.New(t)
	storetest.CreateList(t, db, "L1", "owner")
	storetest.CreateList(t, db, "L2", "owner")
	now := time.UnixMilli(1_700_000_000_000).UTC()

	require.NoError(t, db.InTx(ctx, func(tx *store.Tx) error {
		for _, s := range []store.Session{
			{ID: "live", ListID: "L1", DeviceID: "d1", ExpiresAt: now.Add(time.Hour), IsActive: true},
			{ID: "expired", ListID: "L1", DeviceID: "d2", ExpiresAt: now.Add(-time.Second), IsActive: true},
			{ID: "inactive", ListID: "L2", DeviceID: "d3", ExpiresAt: now.Add(time.Hour), IsActive: false},
		} {
			s.AppID = "owner"
			s.Kind = "active"
			s.LastActivity = now
			s.CreatedAt = now
			if _, err := tx.UpsertSession(ctx, s); err != nil {
				return err
			}
		}
		n, err := tx.CountLiveSessions(ctx, "L1", now)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		lists, deleted, err := tx.DeleteDeadSessions(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, []string{"L1", "L2"}, lists)
		assert.Equal(t, 2, deleted)
		return nil
	}))

	sessions := storetest.Sessions(t, db, "L1")
	require.Len(t, sessions, 1)
	assert.Equal(t, "live", sessions[0].ID)
	assert.Empty(t, storetest.Sessions(t, db, "L2"))
}

func TestForcedExpiry(t *testing.T) {
	ctx := context.Background()
	db := storetest.New(t)
	storetest.CreateList(t, db, "L", "owner")
	now := time.UnixMilli(1_700_000_000_000).UTC()

	require.NoError(t, db.InTx(ctx, func(tx *store.Tx) error {
		for _, id := range []string{"a", "b"} {
			if _, err := tx.UpsertSession(ctx, store.Session{
				ID: id, ListID: "L", AppID: "owner", DeviceID: id, Kind: "active",
				ExpiresAt: now.Add(time.Hour), LastActivity: now, IsActive: true, CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		require.NoError(t, tx.SetSessionExpiry(ctx, "a", now))
		require.NoError(t, tx.DeactivateSession(ctx, "b"))

		n, err := tx.CountLiveSessions(ctx, "L", now)
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	}))

	for _, s := range storetest.Sessions(t, db, "L") {
		assert.False(t, s.Live(now), s.ID)
	}
}

func TestDocumentLifecycle(t *testing.T) {
	ctx := context.Background()
	db := storetest.New(t)
	storetest.CreateList(t, db, "L", "owner")
	now := time.UnixMilli(1_700_000_000_000).UTC()

	require.NoError(t, db.InTx(ctx, func(tx *store.Tx) error {
		rec, err := tx.GetDocument(ctx, "L")
		require.NoError(t, err)
		assert.Nil(t, rec)

		require.NoError(t, tx.InsertDocument(ctx, store.DocumentRecord{
			ListID: "L", Document: []byte{1}, StateVector: []byte{2}, ActiveSessionCount: 1, UpdatedAt: now,
		}))
		require.NoError(t, tx.UpdateDocument(ctx, "L", []byte{3}, []byte{4}, now.Add(time.Second)))
		require.NoError(t, tx.SetDocumentSessionCount(ctx, "L", 2))
		assert.ErrorIs(t, tx.UpdateDocument(ctx, "missing", nil, nil, now), store.ErrDocumentNotFound)
		return nil
	}))

	rec := storetest.Document(t, db, "L")
	require.NotNil(t, rec)
	assert.Equal(t, []byte{3}, rec.Document)
	assert.Equal(t, []byte{4}, rec.StateVector)
	assert.Equal(t, 2, rec.ActiveSessionCount)
	assert.Equal(t, now.Add(time.Second), rec.UpdatedAt)

	require.NoError(t, db.InTx(ctx, func(tx *store.Tx) error {
		deleted, err := tx.DeleteDocument(ctx, "L")
		require.NoError(t, err)
		assert.True(t, deleted)
		deleted, err = tx.DeleteDocument(ctx, "L")
		require.NoError(t, err)
		assert.False(t, deleted)
		return nil
	}))
	assert.Nil(t, storetest.Document(t, db, "L"))
}
