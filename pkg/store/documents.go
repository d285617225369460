package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DocumentRecord is the persisted CRDT state for one list.
type DocumentRecord struct {
	ListID             string
	Document           []byte
	StateVector        []byte
	ActiveSessionCount int
	UpdatedAt          time.Time
}

// GetDocument returns the list's document record, or nil if there is none.
func (t *Tx) GetDocument(ctx context.Context, listID string) (*DocumentRecord, error) {
	var (
		rec       DocumentRecord
		updatedAt int64
	)
	err := t.queryRow(ctx,
		`SELECT list_id, document, state_vector, active_session_count, updated_at FROM list_documents WHERE list_id = $1`,
		listID,
	).Scan(&rec.ListID, &rec.Document, &rec.StateVector, &rec.ActiveSessionCount, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query document: %w", err)
	}
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}

// InsertDocument creates a document record.
func (t *Tx) InsertDocument(ctx context.Context, rec DocumentRecord) error {
	if _, err := t.exec(ctx,
		`INSERT INTO list_documents (list_id, document, state_vector, active_session_count, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.ListID, rec.Document, rec.StateVector, rec.ActiveSessionCount, toMillis(rec.UpdatedAt),
	); err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

// UpdateDocument overwrites the stored bytes and state vector.
func (t *Tx) UpdateDocument(ctx context.Context, listID string, document, stateVector []byte, at time.Time) error {
	res, err := t.exec(ctx,
		`UPDATE list_documents SET document = $1, state_vector = $2, updated_at = $3 WHERE list_id = $4`,
		document, stateVector, toMillis(at), listID,
	)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to count rows affected by document update: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, listID)
	}
	return nil
}

// SetDocumentSessionCount stores a recomputed reference count.
func (t *Tx) SetDocumentSessionCount(ctx context.Context, listID string, count int) error {
	if _, err := t.exec(ctx,
		`UPDATE list_documents SET active_session_count = $1 WHERE list_id = $2`,
		count, listID,
	); err != nil {
		return fmt.Errorf("failed to set session count: %w", err)
	}
	return nil
}

// DeleteDocument removes the record and reports whether one existed.
func (t *Tx) DeleteDocument(ctx context.Context, listID string) (bool, error) {
	res, err := t.exec(ctx, `DELETE FROM list_documents WHERE list_id = $1`, listID)
	if err != nil {
		return false, fmt.Errorf("failed to delete document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count rows affected by document delete: %w", err)
	}
	return n > 0, nil
}
