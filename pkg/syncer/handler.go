// Package syncer implements the document sync protocol: session start and end, state fetch and
// delta push. Each operation runs in one storage transaction; the list row lock taken inside it
// is the only thing serialising concurrent requests for the same list.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/astromechza/automerge-tasklists/pkg/api"
	"github.com/astromechza/automerge-tasklists/pkg/crdt"
	"github.com/astromechza/automerge-tasklists/pkg/docstore"
	"github.com/astromechza/automerge-tasklists/pkg/notify"
	"github.com/astromechza/automerge-tasklists/pkg/session"
	"github.com/astromechza/automerge-tasklists/pkg/store"
)

// OrderSink receives the flat order projection after every successful merge, inside the
// merge's transaction.
type OrderSink interface {
	WriteOrder(ctx context.Context, tx *store.Tx, listID string, order []string, at time.Time) error
}

// Request identifies the caller of an operation. Identity and DeviceID are already verified.
type Request struct {
	ListID   string
	Identity string
	DeviceID string
}

type StartResult struct {
	SessionID   string
	Document    []byte
	StateVector []byte
	ExpiresAt   time.Time
}

type FetchResult struct {
	Document    []byte
	StateVector []byte
	HasUpdates  bool
}

type PushResult struct {
	Success     bool
	StateVector []byte
}

// Handler serves the sync protocol.
type Handler struct {
	db        *store.DB
	docs      *docstore.Store
	sessions  *session.Manager
	orders    OrderSink
	publisher notify.Publisher
	now       func() time.Time
	logger    *slog.Logger
}

// Options configures a Handler. Orders defaults to the SQL list collaborator; a nil Publisher
// disables change notifications.
type Options struct {
	Orders    OrderSink
	Publisher notify.Publisher
	Now       func() time.Time
	Logger    *slog.Logger
}

func New(db *store.DB, docs *docstore.Store, sessions *session.Manager, opts Options) *Handler {
	if opts.Orders == nil {
		opts.Orders = store.SQLLists{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		db:        db,
		docs:      docs,
		sessions:  sessions,
		orders:    opts.Orders,
		publisher: opts.Publisher,
		now:       opts.Now,
		logger:    opts.Logger,
	}
}

// StartSession opens or refreshes the caller's session and hands back the full document.
func (h *Handler) StartSession(ctx context.Context, req Request, kind session.Kind) (*StartResult, error) {
	started, err := h.sessions.Start(ctx, req.ListID, req.Identity, req.DeviceID, kind)
	if err != nil {
		return nil, err
	}
	return &StartResult{
		SessionID:   started.Session.ID,
		Document:    started.Document.Document,
		StateVector: started.Document.StateVector,
		ExpiresAt:   started.Session.ExpiresAt,
	}, nil
}

// FetchState returns the full current document. A record that went missing while the session
// is still live, for example after a sweep raced the session's refresh, is recreated from the
// list's persisted order.
func (h *Handler) FetchState(ctx context.Context, req Request) (*FetchResult, error) {
	var out FetchResult
	err := h.db.InTx(ctx, func(tx *store.Tx) error {
		if err := lockForSession(ctx, tx, req); err != nil {
			return err
		}
		if _, err := h.sessions.Validate(ctx, tx, req.ListID, req.Identity, req.DeviceID); err != nil {
			return err
		}
		rec, err := h.docs.Load(ctx, tx, req.ListID)
		if err != nil {
			return err
		}
		if rec == nil {
			h.logger.Warn("document missing for live session, recreating", "list", req.ListID, "device", req.DeviceID)
			if rec, _, err = h.docs.GetOrCreate(ctx, tx, req.ListID); err != nil {
				return err
			}
		}
		out = FetchResult{Document: rec.Document, StateVector: rec.StateVector, HasUpdates: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// lockForSession locks the list row for a session-scoped operation. No session can exist on a
// list that does not, so a missing list reports as a missing session.
func lockForSession(ctx context.Context, tx *store.Tx, req Request) error {
	err := tx.LockList(ctx, req.ListID)
	if errors.Is(err, store.ErrListNotFound) {
		return fmt.Errorf("%w: device %s on %s", session.ErrSessionNotFound, req.DeviceID, req.ListID)
	}
	return err
}

// PushUpdate merges a client delta into the stored document, writes the resulting order back
// onto the list and refreshes the session's activity, all in one transaction. Subscribers are
// notified once that transaction has committed. When heads is set the merged document must
// contain all of it, otherwise the push is rejected with crdt.ErrMissingDependencies and the
// sender is expected to pull and rebase.
func (h *Handler) PushUpdate(ctx context.Context, req Request, update string, heads []byte) (*PushResult, error) {
	delta, err := api.DecodeUpdate(update)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crdt.ErrMalformedDelta, err)
	}

	var out PushResult
	var order []string
	err = h.db.InTx(ctx, func(tx *store.Tx) error {
		if err := lockForSession(ctx, tx, req); err != nil {
			return err
		}
		sess, err := h.sessions.Validate(ctx, tx, req.ListID, req.Identity, req.DeviceID)
		if err != nil {
			return err
		}
		rec, err := h.docs.Load(ctx, tx, req.ListID)
		if err != nil {
			return err
		}
		if rec == nil {
			if rec, _, err = h.docs.GetOrCreate(ctx, tx, req.ListID); err != nil {
				return err
			}
		}
		doc, err := crdt.Decode(rec.Document)
		if err != nil {
			return fmt.Errorf("stored document for %s: %w", req.ListID, err)
		}
		if err := doc.ApplyDelta(delta); err != nil {
			return err
		}
		if len(heads) > 0 {
			if err := doc.RequireKnown(heads); err != nil {
				h.logger.Warn("rejected update built on unknown history", "list", req.ListID, "device", req.DeviceID, "err", err)
				return err
			}
		}
		if err := doc.Validate(); err != nil {
			h.logger.Warn("rejected update", "list", req.ListID, "device", req.DeviceID, "err", err)
			return fmt.Errorf("%w: %v", ErrInvalidDocumentState, err)
		}
		if order, err = doc.ReadOrder(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDocumentState, err)
		}

		now := h.now()
		stateVector := doc.EncodeStateVector()
		if err := h.docs.Update(ctx, tx, req.ListID, doc.EncodeState(), stateVector); err != nil {
			return err
		}
		if err := h.orders.WriteOrder(ctx, tx, req.ListID, order, now); err != nil {
			return fmt.Errorf("failed to write order projection: %w", err)
		}
		if err := tx.TouchSession(ctx, sess.ID, now); err != nil {
			return err
		}
		out = PushResult{Success: true, StateVector: stateVector}
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.logger.Debug("merged update", "list", req.ListID, "device", req.DeviceID, "bytes", len(delta), "items", len(order))
	if h.publisher != nil {
		ev := notify.Event{ListID: req.ListID, StateVector: out.StateVector, Origin: req.DeviceID}
		if err := h.publisher.Publish(ctx, ev); err != nil {
			h.logger.Warn("failed to publish change notification", "list", req.ListID, "err", err)
		}
	}
	return &out, nil
}

// CheckSession reports ErrSessionNotFound unless the caller holds a live session on the list.
func (h *Handler) CheckSession(ctx context.Context, req Request) error {
	return h.db.InTx(ctx, func(tx *store.Tx) error {
		_, err := h.sessions.Validate(ctx, tx, req.ListID, req.Identity, req.DeviceID)
		return err
	})
}

// Heartbeat records activity on the caller's session.
func (h *Handler) Heartbeat(ctx context.Context, req Request) error {
	return h.sessions.Heartbeat(ctx, req.ListID, req.Identity, req.DeviceID)
}

// EndSession releases the caller's session. Only storage failures are reported.
func (h *Handler) EndSession(ctx context.Context, req Request) error {
	return h.sessions.End(ctx, req.ListID, req.Identity, req.DeviceID)
}

// Sweep expires stale sessions across every list.
func (h *Handler) Sweep(ctx context.Context) (*session.SweepResult, error) {
	return h.sessions.SweepExpired(ctx)
}
