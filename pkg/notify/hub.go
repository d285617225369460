// Package notify fans out "list changed" events to websocket subscribers, either within one
// process or across processes through Redis.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Event announces that a list's document has new state.
type Event struct {
	ListID      string `json:"listId"`
	StateVector []byte `json:"stateVector"`
	// Origin is the device that pushed the change, so it can ignore its own echo.
	Origin string `json:"origin,omitempty"`
}

// Publisher announces committed changes.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// subscriberBuffer bounds how far a slow subscriber can fall behind before events are dropped.
// A dropped event only delays a pull until the next one.
const subscriberBuffer = 16

// Subscription receives the events for one list until it is closed.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	listID string
	hub    *Hub
	once   sync.Once
}

// Close detaches the subscription from its hub. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub delivers events to the in-process subscribers of each list.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[string]map[*Subscription]struct{}), logger: logger}
}

// Subscribe registers interest in listID.
func (h *Hub) Subscribe(listID string) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	s := &Subscription{C: ch, ch: ch, listID: listID, hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[listID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[listID] = set
	}
	set[s] = struct{}{}
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[s.listID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.listID)
		}
	}
	close(s.ch)
}

// Subscribers returns the number of open subscriptions on listID.
func (h *Hub) Subscribers(listID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[listID])
}

// Publish delivers ev to every subscriber of its list without blocking.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[ev.ListID] {
		select {
		case s.ch <- ev:
		default:
			h.logger.Warn("dropped change notification for slow subscriber", "list", ev.ListID)
		}
	}
	return nil
}
