// Package session manages per-(list, device) editing leases and, through them, the lifetime of
// each list's CRDT document.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/automerge-tasklists/pkg/docstore"
	"github.com/astromechza/automerge-tasklists/pkg/store"
)

// Kind selects a session's expiry tier.
type Kind string

const (
	// KindActive is for a list open in the foreground.
	KindActive Kind = "active"
	// KindBackground is for a list the client may no longer be showing.
	KindBackground Kind = "background"
)

// ParseKind validates a kind string. An empty string means active.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindActive, "":
		return KindActive, nil
	case KindBackground:
		return KindBackground, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, raw)
}

const (
	DefaultActiveTTL     = time.Hour
	DefaultBackgroundTTL = 5 * time.Minute
)

// AccessChecker decides whether an identity may edit a list. It runs inside the engine's
// transaction.
type AccessChecker interface {
	HasAccess(ctx context.Context, tx *store.Tx, listID, identity string) (bool, error)
}

// Manager runs the session state machine: absent, live, then ended or expired.
type Manager struct {
	db            *store.DB
	docs          *docstore.Store
	access        AccessChecker
	activeTTL     time.Duration
	backgroundTTL time.Duration
	now           func() time.Time
	newID         func() string
	logger        *slog.Logger
}

// Options configures a Manager. Zero values fall back to the SQL list collaborator, the default
// TTLs, the wall clock, random UUIDs and the default logger.
type Options struct {
	Access        AccessChecker
	ActiveTTL     time.Duration
	BackgroundTTL time.Duration
	Now           func() time.Time
	NewID         func() string
	Logger        *slog.Logger
}

func NewManager(db *store.DB, docs *docstore.Store, opts Options) *Manager {
	if opts.Access == nil {
		opts.Access = store.SQLLists{}
	}
	if opts.ActiveTTL <= 0 {
		opts.ActiveTTL = DefaultActiveTTL
	}
	if opts.BackgroundTTL <= 0 {
		opts.BackgroundTTL = DefaultBackgroundTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		db:            db,
		docs:          docs,
		access:        opts.Access,
		activeTTL:     opts.ActiveTTL,
		backgroundTTL: opts.BackgroundTTL,
		now:           opts.Now,
		newID:         opts.NewID,
		logger:        opts.Logger,
	}
}

// TTL returns the lease length for kind.
func (m *Manager) TTL(kind Kind) time.Duration {
	if kind == KindBackground {
		return m.backgroundTTL
	}
	return m.activeTTL
}

// Started is the outcome of Start.
type Started struct {
	Session         *store.Session
	Document        *store.DocumentRecord
	DocumentCreated bool
}

func checkIdentity(listID, identity, deviceID string) error {
	if strings.TrimSpace(listID) == "" || strings.TrimSpace(identity) == "" || strings.TrimSpace(deviceID) == "" {
		return ErrMissingIdentity
	}
	return nil
}

// Start opens or refreshes the device's session on the list and returns it with the list's
// current document. Expired sessions are swept first. Starting twice without an End in between
// returns the same session id.
func (m *Manager) Start(ctx context.Context, listID, identity, deviceID string, kind Kind) (*Started, error) {
	if err := checkIdentity(listID, identity, deviceID); err != nil {
		return nil, err
	}
	if kind != KindActive && kind != KindBackground {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if _, err := m.SweepExpired(ctx); err != nil {
		m.logger.Warn("sweep before session start failed", "list", listID, "err", err)
	}

	now := m.now()
	var out Started
	err := m.db.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.LockList(ctx, listID); err != nil {
			return err
		}
		ok, err := m.access.HasAccess(ctx, tx, listID, identity)
		if err != nil {
			return fmt.Errorf("failed to check access: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s on %s", ErrAccessDenied, identity, listID)
		}
		sess, err := tx.UpsertSession(ctx, store.Session{
			ID:           m.newID(),
			ListID:       listID,
			AppID:        identity,
			DeviceID:     deviceID,
			Kind:         string(kind),
			ExpiresAt:    now.Add(m.TTL(kind)),
			LastActivity: now,
			IsActive:     true,
			CreatedAt:    now,
		})
		if err != nil {
			return err
		}
		rec, created, err := m.docs.GetOrCreate(ctx, tx, listID)
		if err != nil {
			return err
		}
		out = Started{Session: sess, Document: rec, DocumentCreated: created}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("session started", "list", listID, "device", deviceID, "session", out.Session.ID, "kind", kind, "expires", out.Session.ExpiresAt)
	return &out, nil
}

// Validate returns the device's live session on the list inside the caller's transaction.
func (m *Manager) Validate(ctx context.Context, tx *store.Tx, listID, identity, deviceID string) (*store.Session, error) {
	if err := checkIdentity(listID, identity, deviceID); err != nil {
		return nil, err
	}
	sess, err := tx.FindSession(ctx, listID, identity, deviceID)
	if err != nil {
		return nil, err
	}
	if sess == nil || !sess.Live(m.now()) {
		return nil, fmt.Errorf("%w: device %s on %s", ErrSessionNotFound, deviceID, listID)
	}
	return sess, nil
}

// Heartbeat records activity on a live session. It does not move the expiry, which is fixed
// when the session is started or refreshed.
func (m *Manager) Heartbeat(ctx context.Context, listID, identity, deviceID string) error {
	return m.db.InTx(ctx, func(tx *store.Tx) error {
		sess, err := m.Validate(ctx, tx, listID, identity, deviceID)
		if err != nil {
			return err
		}
		return tx.TouchSession(ctx, sess.ID, m.now())
	})
}

// End removes the device's session and releases its hold on the document. Ending a session
// that does not exist is not an error, and no access check is made.
func (m *Manager) End(ctx context.Context, listID, identity, deviceID string) error {
	var ended *store.Session
	var remaining int
	err := m.db.InTx(ctx, func(tx *store.Tx) error {
		sess, err := tx.FindSession(ctx, listID, identity, deviceID)
		if err != nil || sess == nil {
			return err
		}
		if _, err := tx.DeleteSession(ctx, sess.ID); err != nil {
			return err
		}
		remaining, _, err = m.docs.DecrementAndMaybeDelete(ctx, tx, listID)
		if err != nil {
			return err
		}
		ended = sess
		return nil
	})
	if err != nil {
		return err
	}
	if ended != nil {
		m.logger.Info("session ended", "list", listID, "device", deviceID, "session", ended.ID, "remaining", remaining)
	}
	return nil
}

// SweepResult summarises one expiry sweep.
type SweepResult struct {
	Sessions  int
	Lists     []string
	Reclaimed []string
}

// SweepExpired deletes every expired or deactivated session, recounts each list they referenced
// and deletes the documents nobody references any more.
func (m *Manager) SweepExpired(ctx context.Context) (*SweepResult, error) {
	out := &SweepResult{}
	err := m.db.InTx(ctx, func(tx *store.Tx) error {
		lists, deleted, err := tx.DeleteDeadSessions(ctx, m.now())
		if err != nil {
			return err
		}
		out.Sessions = deleted
		out.Lists = lists
		for _, listID := range lists {
			_, reclaimed, err := m.docs.DecrementAndMaybeDelete(ctx, tx, listID)
			if err != nil {
				return fmt.Errorf("failed to recount %s: %w", listID, err)
			}
			if reclaimed {
				out.Reclaimed = append(out.Reclaimed, listID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Sessions > 0 {
		m.logger.Info("swept expired sessions", "sessions", out.Sessions, "lists", len(out.Lists), "reclaimed", len(out.Reclaimed))
	}
	return out, nil
}

// RunSweeper sweeps on every tick of interval until ctx is cancelled. The lazy sweep in Start
// keeps the reference counts correct on its own; this only shortens the staleness window.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if _, err := m.SweepExpired(ctx); err != nil {
				m.logger.Error("failed to sweep expired sessions", "err", err)
			}
		case <-ctx.Done():
			m.logger.Info("stopping scheduled sweep")
			return
		}
	}
}
