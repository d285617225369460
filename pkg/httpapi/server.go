// Package httpapi exposes the sync protocol over HTTP and pushes change notifications over
// websockets.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/astromechza/automerge-tasklists/pkg/api"
	"github.com/astromechza/automerge-tasklists/pkg/notify"
	"github.com/astromechza/automerge-tasklists/pkg/session"
	"github.com/astromechza/automerge-tasklists/pkg/syncer"
)

// DefaultMaxBodyBytes caps request bodies when Options.MaxBodyBytes is unset.
const DefaultMaxBodyBytes = 1 << 20

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Server routes HTTP requests to a sync Handler.
type Server struct {
	handler      *syncer.Handler
	hub          *notify.Hub
	checks       map[string]HealthCheck
	maxBodyBytes int64
	logger       *slog.Logger
}

// Options configures a Server. A nil Hub disables the events endpoint.
type Options struct {
	Hub          *notify.Hub
	HealthChecks map[string]HealthCheck
	MaxBodyBytes int64
	Logger       *slog.Logger
}

func New(handler *syncer.Handler, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		handler:      handler,
		hub:          opts.Hub,
		checks:       opts.HealthChecks,
		maxBodyBytes: opts.MaxBodyBytes,
		logger:       opts.Logger,
	}
}

// Router returns the client-facing route table with request logging applied.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.health)

	l := r.PathPrefix("/lists/{listID}").Subrouter()
	l.Methods(http.MethodPost).Path("/sessions").HandlerFunc(s.startSession)
	l.Methods(http.MethodDelete).Path("/sessions").HandlerFunc(s.endSession)
	l.Methods(http.MethodGet).Path("/state").HandlerFunc(s.fetchState)
	l.Methods(http.MethodPost).Path("/updates").HandlerFunc(s.pushUpdate)
	l.Methods(http.MethodPost).Path("/heartbeat").HandlerFunc(s.heartbeat)
	if s.hub != nil {
		l.Methods(http.MethodGet).Path("/events").HandlerFunc(s.events)
	}
	return r
}

// AdminRouter returns the operator routes. It is meant for a listener that clients cannot reach.
func (s *Server) AdminRouter() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.health)
	r.Methods(http.MethodPost).Path("/admin/sweep").HandlerFunc(s.sweep)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.logger.Info("handled", "method", r.Method, "url", r.URL, "duration", m.Duration, "status", m.Code, "bytes", m.Written)
	})
}

func requestFrom(r *http.Request) syncer.Request {
	return syncer.Request{
		ListID:   mux.Vars(r)["listID"],
		Identity: r.Header.Get(api.HeaderIdentity),
		DeviceID: r.Header.Get(api.HeaderDeviceID),
	}
}

func requireIdentity(req syncer.Request) error {
	if req.ListID == "" || req.Identity == "" || req.DeviceID == "" {
		return fmt.Errorf("%w: set the %s and %s headers", session.ErrMissingIdentity, api.HeaderIdentity, api.HeaderDeviceID)
	}
	return nil
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.Is(err, io.EOF) {
			return nil
		} else if errors.As(err, &tooLarge) {
			return err
		}
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	return nil
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	req := requestFrom(r)
	if err := requireIdentity(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var body api.StartSessionRequest
	if err := s.decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	kind, err := session.ParseKind(body.Kind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.handler.StartSession(r.Context(), req, kind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.StartSessionResponse{
		SessionID:     res.SessionID,
		DocumentState: res.Document,
		StateVector:   res.StateVector,
		ExpiresAt:     res.ExpiresAt,
	})
}

func (s *Server) fetchState(w http.ResponseWriter, r *http.Request) {
	req := requestFrom(r)
	if err := requireIdentity(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.handler.FetchState(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FetchStateResponse{
		DocumentState: res.Document,
		StateVector:   res.StateVector,
		HasUpdates:    res.HasUpdates,
	})
}

func (s *Server) pushUpdate(w http.ResponseWriter, r *http.Request) {
	req := requestFrom(r)
	if err := requireIdentity(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var body api.PushUpdateRequest
	if err := s.decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.handler.PushUpdate(r.Context(), req, body.Update, body.Heads)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.PushUpdateResponse{Success: res.Success, StateVector: res.StateVector})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	req := requestFrom(r)
	if err := requireIdentity(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.handler.Heartbeat(r.Context(), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.SuccessResponse{Success: true})
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	req := requestFrom(r)
	if err := requireIdentity(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.handler.EndSession(r.Context(), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.SuccessResponse{Success: true})
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.handler.Sweep(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := api.SweepResponse{Sessions: res.Sessions, Lists: res.Lists, Reclaimed: res.Reclaimed}
	if out.Lists == nil {
		out.Lists = []string{}
	}
	if out.Reclaimed == nil {
		out.Reclaimed = []string{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := api.HealthResponse{Status: "ok", Checks: make(map[string]string, len(names))}
	status := http.StatusOK
	for _, name := range names {
		if err := s.checks[name](r.Context()); err != nil {
			s.logger.Warn("health check failed", "check", name, "err", err)
			out.Checks[name] = err.Error()
			out.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		out.Checks[name] = "ok"
	}
	writeJSON(w, status, out)
}
