package httpapi

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/automerge-tasklists/pkg/api"
	"github.com/astromechza/automerge-tasklists/pkg/notify"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// events streams a ChangeEvent to the caller every time someone pushes to the list. The caller
// must hold a live session; the stream does not keep that session alive.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	req := requestFrom(r)
	if err := requireIdentity(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.handler.CheckSession(r.Context(), req); err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe(req.ListID)
	defer sub.Close()
	s.logger.Info("watching", "list", req.ListID, "device", req.DeviceID)
	streamEvents(r, conn, sub, s.logger)
	s.logger.Info("stopped watching", "list", req.ListID, "device", req.DeviceID)
}

func streamEvents(r *http.Request, conn *websocket.Conn, sub *notify.Subscription, logger *slog.Logger) {
	closed := make(chan struct{})
	wg := new(sync.WaitGroup)

	// Inbound frames are ignored; reading is what surfaces close frames and dead peers.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug("events reader stopped", "err", err)
				}
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(api.ChangeEvent{ListID: ev.ListID, StateVector: ev.StateVector, Origin: ev.Origin}); err != nil {
					logger.Error("failed to write event", "err", err)
					return
				}
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					return
				}
			case <-closed:
				return
			case <-r.Context().Done():
				return
			}
		}
	}()

	wg.Wait()
}
