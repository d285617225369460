package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/automerge-tasklists/pkg/api"
	"github.com/astromechza/automerge-tasklists/pkg/crdt"
)

// Replica is the local copy of one list's document. Mutations apply locally straight away and
// reach the server on Push.
type Replica struct {
	client    *Client
	listID    string
	kind      string
	sessionID string
	expiresAt time.Time

	pushMu sync.Mutex

	mu           sync.Mutex
	doc          *crdt.Document
	baseline     []byte
	serverVector []byte
	closed       bool
}

func (r *Replica) ListID() string {
	return r.listID
}

func (r *Replica) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// ExpiresAt is the session expiry reported when the session was started.
func (r *Replica) ExpiresAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expiresAt
}

// ServerStateVector is the last state vector the server reported.
func (r *Replica) ServerStateVector() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.serverVector...)
}

// Order returns the local view of the item order.
func (r *Replica) Order() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.ReadOrder()
}

func (r *Replica) mutate(fn func(d *crdt.Document) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return fn(r.doc)
}

func (r *Replica) Insert(index int, id string) error {
	return r.mutate(func(d *crdt.Document) error { return d.Insert(index, id) })
}

func (r *Replica) Append(id string) error {
	return r.mutate(func(d *crdt.Document) error { return d.Append(id) })
}

func (r *Replica) Remove(id string) error {
	return r.mutate(func(d *crdt.Document) error { return d.Remove(id) })
}

func (r *Replica) Move(id string, index int) error {
	return r.mutate(func(d *crdt.Document) error { return d.Move(id, index) })
}

// Save returns the full saved form of the local document.
func (r *Replica) Save() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeState()
}

// Pending reports whether the replica holds changes the server has not acknowledged.
func (r *Replica) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !crdt.EqualStateVectors(r.doc.EncodeStateVector(), r.baseline)
}

// delta returns the local changes not covered by the baseline and the heads they lead to.
func (r *Replica) delta() ([]byte, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, ErrClosed
	}
	heads := r.doc.EncodeStateVector()
	if crdt.EqualStateVectors(heads, r.baseline) {
		return nil, heads, nil
	}
	delta, err := r.doc.DeltaSince(r.baseline)
	if errors.Is(err, crdt.ErrUnknownStateVector) {
		// the server is authoritative for what it has; resending known changes is harmless
		delta, err = r.doc.DeltaSince(nil)
	}
	if err != nil {
		return nil, nil, err
	}
	return delta, heads, nil
}

// Push sends every local change the server has not acknowledged. It reports whether anything
// was sent. If the server no longer holds the history the changes build on, the replica pulls,
// which rebases it onto the server's document, and pushes once more.
func (r *Replica) Push(ctx context.Context) (bool, error) {
	r.pushMu.Lock()
	defer r.pushMu.Unlock()

	pushed, err := r.push(ctx)
	if errors.Is(err, ErrMissingDependencies) {
		r.client.logger.Info("server is missing the replica's history, rebasing", "list", r.listID)
		if err := r.Pull(ctx); err != nil {
			return false, err
		}
		pushed, err = r.push(ctx)
	}
	return pushed, err
}

func (r *Replica) push(ctx context.Context) (bool, error) {
	delta, heads, err := r.delta()
	if err != nil || delta == nil {
		return false, err
	}
	var res api.PushUpdateResponse
	body := api.PushUpdateRequest{Update: api.EncodeUpdate(delta), Heads: heads}
	if err := r.client.do(ctx, http.MethodPost, []string{"lists", r.listID, "updates"}, body, &res); err != nil {
		return false, fmt.Errorf("failed to push to %s: %w", r.listID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.baseline = heads
	r.serverVector = res.StateVector
	r.client.logger.Debug("pushed", "list", r.listID, "bytes", len(delta))
	return true, nil
}

// Pull fetches the server's document and merges it into the local replica.
func (r *Replica) Pull(ctx context.Context) error {
	var res api.FetchStateResponse
	if err := r.client.do(ctx, http.MethodGet, []string{"lists", r.listID, "state"}, nil, &res); err != nil {
		return fmt.Errorf("failed to pull %s: %w", r.listID, err)
	}
	if !res.HasUpdates {
		return nil
	}
	remote, err := crdt.Decode(res.DocumentState)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return r.adopt(remote, res.StateVector)
}

// adopt merges a server document into the replica. If the server no longer holds the history
// the replica was built on, because its document was reclaimed and seeded again, the server
// document replaces the local one and any unpushed local order is written on top of it.
// Callers hold r.mu.
func (r *Replica) adopt(remote *crdt.Document, stateVector []byte) error {
	if remote.Knows(r.baseline) {
		if err := r.doc.Merge(remote); err != nil {
			return err
		}
		r.baseline = stateVector
		r.serverVector = stateVector
		return nil
	}

	pending := !crdt.EqualStateVectors(r.doc.EncodeStateVector(), r.baseline)
	local, err := r.doc.ReadOrder()
	if err != nil {
		return err
	}
	if err := remote.SetActor(r.client.deviceID); err != nil {
		return fmt.Errorf("failed to set actor: %w", err)
	}
	if pending {
		if err := remote.ReconcileTo(local); err != nil {
			return err
		}
	}
	r.client.logger.Warn("server document was recreated, rebased replica", "list", r.listID, "pending", pending)
	r.doc = remote
	r.baseline = stateVector
	r.serverVector = stateVector
	return nil
}

// Sync pushes local changes and then pulls everyone else's.
func (r *Replica) Sync(ctx context.Context) error {
	if _, err := r.Push(ctx); err != nil {
		return err
	}
	return r.Pull(ctx)
}

// Heartbeat records activity on the session. It does not extend the session's expiry.
func (r *Replica) Heartbeat(ctx context.Context) error {
	if err := r.client.do(ctx, http.MethodPost, []string{"lists", r.listID, "heartbeat"}, nil, nil); err != nil {
		return fmt.Errorf("failed to heartbeat %s: %w", r.listID, err)
	}
	return nil
}

// Refresh starts the session again with the replica's kind, moving its expiry forward, and
// merges the returned document.
func (r *Replica) Refresh(ctx context.Context) error {
	var res api.StartSessionResponse
	if err := r.client.do(ctx, http.MethodPost, []string{"lists", r.listID, "sessions"}, api.StartSessionRequest{Kind: r.kind}, &res); err != nil {
		return fmt.Errorf("failed to refresh session on %s: %w", r.listID, err)
	}
	remote, err := crdt.Decode(res.DocumentState)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionID = res.SessionID
	r.expiresAt = res.ExpiresAt
	if r.closed {
		return ErrClosed
	}
	return r.adopt(remote, res.StateVector)
}

// KeepAlive heartbeats every interval until ctx is done. When the session has been lost it
// refreshes it once and keeps going; any other failure ends the loop.
func (r *Replica) KeepAlive(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			err := r.Heartbeat(ctx)
			if errors.Is(err, ErrSessionNotFound) {
				r.client.logger.Info("session lost, starting a new one", "list", r.listID)
				err = r.Refresh(ctx)
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Watch listens for change notifications on the list and pulls after each one that another
// device caused. onChange, if set, receives the merged order after every pull. Watch returns
// when ctx is done or the connection drops.
func (r *Replica) Watch(ctx context.Context, onChange func(order []string)) error {
	u := r.client.baseURL.JoinPath("lists", r.listID, "events")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	conn, resp, err := r.client.dialer.DialContext(ctx, u.String(), r.client.headers())
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusSwitchingProtocols {
				return fmt.Errorf("failed to watch %s: %w", r.listID, decodeAPIError(resp))
			}
		}
		return fmt.Errorf("failed to dial %s: %w", u, err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var ev api.ChangeEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("failed to read event: %w", err)
		}
		if ev.Origin == r.client.deviceID {
			continue
		}
		if err := r.Pull(ctx); err != nil {
			r.client.logger.Error("failed to pull after change notification", "list", r.listID, "err", err)
			continue
		}
		if onChange != nil {
			order, err := r.Order()
			if err != nil {
				r.client.logger.Error("failed to read order", "list", r.listID, "err", err)
				continue
			}
			onChange(order)
		}
	}
}

// Close ends the session. The replica can no longer be mutated or synced afterwards, but its
// order stays readable.
func (r *Replica) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	if err := r.client.do(ctx, http.MethodDelete, []string{"lists", r.listID, "sessions"}, nil, nil); err != nil {
		return fmt.Errorf("failed to end session on %s: %w", r.listID, err)
	}
	return nil
}
