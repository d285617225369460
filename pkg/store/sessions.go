package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Session is one device's lease on editing one list.
type Session struct {
	ID           string
	ListID       string
	AppID        string
	DeviceID     string
	Kind         string
	ExpiresAt    time.Time
	LastActivity time.Time
	IsActive     bool
	CreatedAt    time.Time
}

// Live reports whether the session still counts towards its list's reference count at now.
func (s *Session) Live(now time.Time) bool {
	return s.IsActive && s.ExpiresAt.After(now)
}

const sessionColumns = `id, list_id, app_id, device_id, kind, expires_at, last_activity, is_active, created_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		s                                  Session
		expiresAt, lastActivity, createdAt int64
	)
	if err := row.Scan(&s.ID, &s.ListID, &s.AppID, &s.DeviceID, &s.Kind, &expiresAt, &lastActivity, &s.IsActive, &createdAt); err != nil {
		return nil, err
	}
	s.ExpiresAt = fromMillis(expiresAt)
	s.LastActivity = fromMillis(lastActivity)
	s.CreatedAt = fromMillis(createdAt)
	return &s, nil
}

// UpsertSession inserts s, or refreshes the existing row for the same (list, app, device) in
// place. The stored id and created_at of an existing row win; the returned session carries them.
func (t *Tx) UpsertSession(ctx context.Context, s Session) (*Session, error) {
	row := t.queryRow(ctx,
		`INSERT INTO list_sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (list_id, app_id, device_id) DO UPDATE SET
		     kind = excluded.kind,
		     expires_at = excluded.expires_at,
		     last_activity = excluded.last_activity,
		     is_active = excluded.is_active
		 RETURNING `+sessionColumns,
		s.ID, s.ListID, s.AppID, s.DeviceID, s.Kind,
		toMillis(s.ExpiresAt), toMillis(s.LastActivity), s.IsActive, toMillis(s.CreatedAt),
	)
	out, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert session: %w", err)
	}
	return out, nil
}

// FindSession returns the session for (list, app, device), or nil if there is none.
func (t *Tx) FindSession(ctx context.Context, listID, appID, deviceID string) (*Session, error) {
	s, err := scanSession(t.queryRow(ctx,
		`SELECT `+sessionColumns+` FROM list_sessions WHERE list_id = $1 AND app_id = $2 AND device_id = $3`,
		listID, appID, deviceID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return s, nil
}

// ListSessions returns every session row for the list, live or not.
func (t *Tx) ListSessions(ctx context.Context, listID string) ([]*Session, error) {
	rows, err := t.query(ctx,
		`SELECT `+sessionColumns+` FROM list_sessions WHERE list_id = $1 ORDER BY created_at, id`,
		listID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()
	out := make([]*Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// TouchSession sets last_activity without moving the expiry.
func (t *Tx) TouchSession(ctx context.Context, id string, at time.Time) error {
	if _, err := t.exec(ctx, `UPDATE list_sessions SET last_activity = $1 WHERE id = $2`, toMillis(at), id); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// DeleteSession removes the session and reports whether a row was deleted.
func (t *Tx) DeleteSession(ctx context.Context, id string) (bool, error) {
	res, err := t.exec(ctx, `DELETE FROM list_sessions WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count rows affected by session delete: %w", err)
	}
	return n > 0, nil
}

// CountLiveSessions counts the list's active, unexpired sessions at now. This is the source of
// truth for a document's reference count.
func (t *Tx) CountLiveSessions(ctx context.Context, listID string, now time.Time) (int, error) {
	var n int
	if err := t.queryRow(ctx,
		`SELECT COUNT(*) FROM list_sessions WHERE list_id = $1 AND expires_at > $2 AND is_active = $3`,
		listID, toMillis(now), true,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

// DeleteDeadSessions removes every session that has expired at now or has been deactivated, and
// returns the distinct list ids they referenced along with the number of rows removed.
func (t *Tx) DeleteDeadSessions(ctx context.Context, now time.Time) ([]string, int, error) {
	rows, err := t.query(ctx,
		`DELETE FROM list_sessions WHERE expires_at <= $1 OR is_active = $2 RETURNING list_id`,
		toMillis(now), false,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	defer rows.Close()
	seen := make(map[string]struct{})
	deleted := 0
	for rows.Next() {
		var listID string
		if err := rows.Scan(&listID); err != nil {
			return nil, 0, fmt.Errorf("failed to scan expired session: %w", err)
		}
		deleted++
		seen[listID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, deleted, nil
}

// SetSessionExpiry overrides a session's expiry. Used by operators to force a lease to lapse.
func (t *Tx) SetSessionExpiry(ctx context.Context, id string, at time.Time) error {
	if _, err := t.exec(ctx, `UPDATE list_sessions SET expires_at = $1 WHERE id = $2`, toMillis(at), id); err != nil {
		return fmt.Errorf("failed to set session expiry: %w", err)
	}
	return nil
}

// DeactivateSession clears is_active so the next sweep collects the session.
func (t *Tx) DeactivateSession(ctx context.Context, id string) error {
	if _, err := t.exec(ctx, `UPDATE list_sessions SET is_active = $1 WHERE id = $2`, false, id); err != nil {
		return fmt.Errorf("failed to deactivate session: %w", err)
	}
	return nil
}
