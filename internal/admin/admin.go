// Package admin serves the read-mostly operator HTTP API: health,
// topology, event inspection, dead letters and the active rule set.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/outpost/internal/engine"
	"github.com/roach88/outpost/internal/event"
	"github.com/roach88/outpost/internal/ir"
	"github.com/roach88/outpost/internal/store"
)

// Topology is this process's view of the cluster. *topology.Coordinator
// implements it.
type Topology interface {
	ServerID() string
	ShardCount() int
	Owned() []store.Lease
	LiveServers() []store.ServerRecord
}

// Rules exposes the active rule registry. *engine.Engine implements it.
type Rules interface {
	Registry() *engine.Registry
}

// Server holds the handlers' dependencies.
type Server struct {
	store    *store.Store
	topology Topology
	rules    Rules
	wake     func()
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithTopology enables GET /v1/topology.
func WithTopology(t Topology) Option {
	return func(s *Server) { s.topology = t }
}

// WithRules enables GET /v1/rules.
func WithRules(r Rules) Option {
	return func(s *Server) { s.rules = r }
}

// WithWake sets a hook called after a dead letter is requeued, usually
// the pump's Wake.
func WithWake(fn func()) Option {
	return func(s *Server) { s.wake = fn }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server.
func New(st *store.Store, opts ...Option) *Server {
	s := &Server{store: st, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/topology", s.handleTopology)
		r.Get("/stats", s.handleStats)
		r.Get("/rules", s.handleRules)
		r.Route("/events/{id}", func(r chi.Router) {
			r.Get("/", s.handleEvent)
			r.Get("/lineage", s.handleLineage)
		})
		r.Route("/deadletters", func(r chi.Router) {
			r.Get("/", s.handleDeadLetters)
			r.Post("/{id}/requeue", s.handleRequeue)
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration", s.now().Sub(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// TopologyResponse is the body of GET /v1/topology.
type TopologyResponse struct {
	ServerID    string               `json:"server_id"`
	ShardCount  int                  `json:"shard_count"`
	Owned       []store.Lease        `json:"owned"`
	LiveServers []store.ServerRecord `json:"live_servers"`
	Leases      []store.Lease        `json:"leases"`
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	if s.topology == nil {
		writeError(w, http.StatusNotFound, "topology not available")
		return
	}
	leases, err := s.store.ListLeases(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TopologyResponse{
		ServerID:    s.topology.ServerID(),
		ShardCount:  s.topology.ShardCount(),
		Owned:       nonNil(s.topology.Owned()),
		LiveServers: nonNil(s.topology.LiveServers()),
		Leases:      nonNil(leases),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByState(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	out := make(map[string]int, len(counts))
	for st, n := range counts {
		out[string(st)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

// RulesResponse is the body of GET /v1/rules.
type RulesResponse struct {
	Hash          string           `json:"hash"`
	PriorityOrder ir.PriorityOrder `json:"priority_order"`
	Enabled       int              `json:"enabled"`
	Total         int              `json:"total"`
	Rules         []ir.Rule        `json:"rules"`
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	if s.rules == nil {
		writeError(w, http.StatusNotFound, "rule engine not available")
		return
	}
	reg := s.rules.Registry()
	writeJSON(w, http.StatusOK, RulesResponse{
		Hash:          reg.Hash(),
		PriorityOrder: reg.Order(),
		Enabled:       reg.Len(),
		Total:         reg.Total(),
		Rules:         nonNil(reg.Rules()),
	})
}

// EventResponse is the body of GET /v1/events/{id}.
type EventResponse struct {
	Event         event.Event          `json:"event"`
	Firings       []store.Firing       `json:"firings"`
	Notifications []store.Notification `json:"notifications"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ev, ok := s.loadEvent(w, r)
	if !ok {
		return
	}
	firings, err := s.store.FiringsForEvent(ctx, ev.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	notes, err := s.store.ListNotifications(ctx, ev.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EventResponse{Event: ev, Firings: nonNil(firings), Notifications: nonNil(notes)})
}

// LineageResponse is the body of GET /v1/events/{id}/lineage.
type LineageResponse struct {
	Event       event.Event   `json:"event"`
	Lineage     []event.Event `json:"lineage"`
	Descendants []event.Event `json:"descendants"`
}

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ev, ok := s.loadEvent(w, r)
	if !ok {
		return
	}
	lineage, err := s.store.LineageOf(ctx, ev)
	if err != nil {
		s.internalError(w, err)
		return
	}
	desc, err := s.store.Descendants(ctx, ev.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LineageResponse{Event: ev, Lineage: nonNil(lineage), Descendants: nonNil(desc)})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	evs, err := s.store.ListEvents(r.Context(), store.EventFilter{
		State: event.StateDeadLettered,
		Topic: r.URL.Query().Get("topic"),
		Limit: limit,
	})
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(evs)})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ev, err := s.store.RequeueEvent(r.Context(), id, s.now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "event "+id+" not found")
		return
	case errors.Is(err, store.ErrInvalidState):
		writeError(w, http.StatusConflict, "event "+id+" is not dead-lettered")
		return
	case err != nil:
		s.internalError(w, err)
		return
	}
	s.logger.Info("dead letter requeued", "event_id", ev.ID, "topic", ev.Topic, "shard", ev.Shard)
	if s.wake != nil {
		s.wake()
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) loadEvent(w http.ResponseWriter, r *http.Request) (event.Event, bool) {
	id := chi.URLParam(r, "id")
	ev, err := s.store.GetEvent(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event "+id+" not found")
		return ev, false
	}
	if err != nil {
		s.internalError(w, err)
		return ev, false
	}
	return ev, true
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error("admin request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// nonNil keeps empty lists as [] in responses.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
