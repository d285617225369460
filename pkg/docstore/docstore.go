// Package docstore keeps one CRDT document per list for as long as some device holds a live
// editing session on that list. Every call takes the caller's transaction so that document,
// session and projection writes commit or roll back together.
package docstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/astromechza/automerge-tasklists/pkg/crdt"
	"github.com/astromechza/automerge-tasklists/pkg/store"
)

// OrderSource reads a list's persisted order, used to seed a new document.
type OrderSource interface {
	ReadOrder(ctx context.Context, tx *store.Tx, listID string) ([]string, error)
}

// Store manages document records.
type Store struct {
	orders OrderSource
	now    func() time.Time
	logger *slog.Logger
}

// Options configures a Store. Zero values fall back to the SQL list collaborator, the wall clock
// and the default logger.
type Options struct {
	Orders OrderSource
	Now    func() time.Time
	Logger *slog.Logger
}

func New(opts Options) *Store {
	if opts.Orders == nil {
		opts.Orders = store.SQLLists{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{orders: opts.Orders, now: opts.Now, logger: opts.Logger}
}

// GetOrCreate returns the list's document record, seeding one from the list's current order if
// none exists. The list row is locked for the rest of the transaction and the reference count
// is recomputed from the live sessions; a freshly created record counts at least the session
// that caused it.
func (s *Store) GetOrCreate(ctx context.Context, tx *store.Tx, listID string) (*store.DocumentRecord, bool, error) {
	if err := tx.LockList(ctx, listID); err != nil {
		return nil, false, err
	}
	now := s.now()
	count, err := tx.CountLiveSessions(ctx, listID, now)
	if err != nil {
		return nil, false, err
	}

	rec, err := tx.GetDocument(ctx, listID)
	if err != nil {
		return nil, false, err
	}
	if rec != nil {
		if rec.ActiveSessionCount != count {
			if err := tx.SetDocumentSessionCount(ctx, listID, count); err != nil {
				return nil, false, err
			}
			rec.ActiveSessionCount = count
		}
		return rec, false, nil
	}

	order, err := s.orders.ReadOrder(ctx, tx, listID)
	if err != nil {
		return nil, false, err
	}
	doc, err := crdt.InitializeFromOrder(order)
	if err != nil {
		return nil, false, fmt.Errorf("failed to seed document for %s: %w", listID, err)
	}
	if count < 1 {
		count = 1
	}
	rec = &store.DocumentRecord{
		ListID:             listID,
		Document:           doc.EncodeState(),
		StateVector:        doc.EncodeStateVector(),
		ActiveSessionCount: count,
		UpdatedAt:          now,
	}
	if err := tx.InsertDocument(ctx, *rec); err != nil {
		return nil, false, err
	}
	s.logger.Info("created document", "list", listID, "items", len(order), "sessions", count)
	return rec, true, nil
}

// Load returns the list's document record, or nil if there is none.
func (s *Store) Load(ctx context.Context, tx *store.Tx, listID string) (*store.DocumentRecord, error) {
	return tx.GetDocument(ctx, listID)
}

// Update overwrites the stored document bytes and state vector.
func (s *Store) Update(ctx context.Context, tx *store.Tx, listID string, document, stateVector []byte) error {
	return tx.UpdateDocument(ctx, listID, document, stateVector, s.now())
}

// DecrementAndMaybeDelete recounts the list's live sessions and stores the result, deleting the
// record when nobody is left. A record that is already gone is not an error. It returns the new
// count and whether a record was deleted.
func (s *Store) DecrementAndMaybeDelete(ctx context.Context, tx *store.Tx, listID string) (int, bool, error) {
	count, err := tx.CountLiveSessions(ctx, listID, s.now())
	if err != nil {
		return 0, false, err
	}
	if count > 0 {
		return count, false, tx.SetDocumentSessionCount(ctx, listID, count)
	}
	deleted, err := tx.DeleteDocument(ctx, listID)
	if err != nil {
		return 0, false, err
	}
	if deleted {
		s.logger.Info("reclaimed document", "list", listID)
	}
	return 0, deleted, nil
}
