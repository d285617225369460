package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// List is the relational record a collaborative document projects its order onto.
type List struct {
	ID        string
	OwnerID   string
	TaskOrder []string
	UpdatedAt time.Time
}

// LockList takes the per-list lock for the rest of the transaction. On Postgres this is a row
// lock; on SQLite the immediate transaction already holds the database write lock.
func (t *Tx) LockList(ctx context.Context, listID string) error {
	query := `SELECT id FROM lists WHERE id = $1`
	if t.driver == DriverPostgres {
		query += ` FOR UPDATE`
	}
	var id string
	if err := t.queryRow(ctx, query, listID).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrListNotFound, listID)
		}
		return fmt.Errorf("failed to lock list: %w", err)
	}
	return nil
}

// GetList returns the list or ErrListNotFound.
func (t *Tx) GetList(ctx context.Context, listID string) (*List, error) {
	var (
		l         List
		rawOrder  string
		updatedAt int64
	)
	err := t.queryRow(ctx,
		`SELECT id, owner_id, task_order, updated_at FROM lists WHERE id = $1`,
		listID,
	).Scan(&l.ID, &l.OwnerID, &rawOrder, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrListNotFound, listID)
		}
		return nil, fmt.Errorf("failed to query list: %w", err)
	}
	if err := json.Unmarshal([]byte(rawOrder), &l.TaskOrder); err != nil {
		return nil, fmt.Errorf("failed to decode task order of %s: %w", listID, err)
	}
	l.UpdatedAt = fromMillis(updatedAt)
	return &l, nil
}

// CreateList inserts a new list.
func (t *Tx) CreateList(ctx context.Context, l List) error {
	if strings.TrimSpace(l.ID) == "" || strings.TrimSpace(l.OwnerID) == "" {
		return errors.New("list id and owner id must be set")
	}
	if l.TaskOrder == nil {
		l.TaskOrder = []string{}
	}
	rawOrder, err := json.Marshal(l.TaskOrder)
	if err != nil {
		return err
	}
	res, err := t.exec(ctx,
		`INSERT INTO lists (id, owner_id, task_order, updated_at) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
		l.ID, l.OwnerID, string(rawOrder), toMillis(l.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert list: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to count rows affected by list insert: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s", ErrListExists, l.ID)
	}
	return nil
}

// WriteListOrder replaces the list's order projection.
func (t *Tx) WriteListOrder(ctx context.Context, listID string, order []string, at time.Time) error {
	if order == nil {
		order = []string{}
	}
	rawOrder, err := json.Marshal(order)
	if err != nil {
		return err
	}
	res, err := t.exec(ctx,
		`UPDATE lists SET task_order = $1, updated_at = $2 WHERE id = $3`,
		string(rawOrder), toMillis(at), listID,
	)
	if err != nil {
		return fmt.Errorf("failed to write task order: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to count rows affected by task order write: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s", ErrListNotFound, listID)
	}
	return nil
}

// AddListMember grants appID access to the list. Adding an existing member is a no-op.
func (t *Tx) AddListMember(ctx context.Context, listID, appID string) error {
	if _, err := t.exec(ctx,
		`INSERT INTO list_members (list_id, app_id) VALUES ($1, $2) ON CONFLICT (list_id, app_id) DO NOTHING`,
		listID, appID,
	); err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

// RemoveListMember revokes appID's membership.
func (t *Tx) RemoveListMember(ctx context.Context, listID, appID string) error {
	if _, err := t.exec(ctx, `DELETE FROM list_members WHERE list_id = $1 AND app_id = $2`, listID, appID); err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	return nil
}

// IsListMember reports whether appID owns or is a member of the list.
func (t *Tx) IsListMember(ctx context.Context, listID, appID string) (bool, error) {
	var n int
	err := t.queryRow(ctx,
		`SELECT COUNT(*) FROM lists l
		 WHERE l.id = $1 AND (l.owner_id = $2 OR EXISTS (
		     SELECT 1 FROM list_members m WHERE m.list_id = l.id AND m.app_id = $2))`,
		listID, appID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query membership: %w", err)
	}
	return n > 0, nil
}

// SQLLists is the default list collaborator: it checks access against lists/list_members and
// reads and writes the task_order projection column.
type SQLLists struct{}

// HasAccess reports whether identity may edit the list.
func (SQLLists) HasAccess(ctx context.Context, tx *Tx, listID, identity string) (bool, error) {
	return tx.IsListMember(ctx, listID, identity)
}

// ReadOrder returns the list's persisted order.
func (SQLLists) ReadOrder(ctx context.Context, tx *Tx, listID string) ([]string, error) {
	l, err := tx.GetList(ctx, listID)
	if err != nil {
		return nil, err
	}
	return l.TaskOrder, nil
}

// WriteOrder stores order as the list's projection.
func (SQLLists) WriteOrder(ctx context.Context, tx *Tx, listID string, order []string, at time.Time) error {
	return tx.WriteListOrder(ctx, listID, order, at)
}
