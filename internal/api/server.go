// Package api exposes the relay over HTTP: the trigger and stop calls, the
// SSE and WebSocket subscription endpoints, and the session read path.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agentflow/relay/internal/config"
	"github.com/agentflow/relay/internal/health"
	"github.com/agentflow/relay/internal/logging"
	"github.com/agentflow/relay/internal/relay"
	"github.com/agentflow/relay/internal/session"
	"github.com/agentflow/relay/internal/store"
	"github.com/agentflow/relay/internal/trigger"
)

type Server struct {
	cfg          config.ServerConfig
	orchestrator *trigger.Orchestrator
	relay        *relay.Relay
	records      store.RecordStore
	viewer       http.Handler

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	log            zerolog.Logger
}

func NewServer(cfg config.ServerConfig, orch *trigger.Orchestrator, rl *relay.Relay, records store.RecordStore, viewer http.Handler) *Server {
	s := &Server{
		cfg:            cfg,
		orchestrator:   orch,
		relay:          rl,
		records:        records,
		viewer:         viewer,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		log:            logging.WithComponent("api"),
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", health.Handler())
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/agents/{agentID}/trigger", s.handleTrigger)
		r.Get("/sessions/{sessionID}", s.handleGetSession)
		r.Get("/sessions/{sessionID}/logs", s.handleGetLogs)
		r.Get("/sessions/{sessionID}/events", s.handleEvents)
		r.Post("/sessions/{sessionID}/stop", s.handleStop)
	})

	r.Get("/ws", s.handleWS)

	if s.viewer != nil {
		r.Handle("/*", s.viewer)
	}

	return r
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	result, err := s.orchestrator.Trigger(r.Context(), agentID, callerID(r))
	if err != nil {
		s.log.Error().Err(err).Str("agent_id", agentID).Msg("trigger failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := s.relay.Stop(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.records.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if _, err := s.records.GetSession(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}

	events, err := s.records.ListLogEvents(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []session.LogEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// callerID stands in for the identity the auth collaborator would supply.
// With auth disabled everything runs as a single local principal.
func callerID(r *http.Request) string {
	if id := r.Header.Get("X-Caller-ID"); id != "" {
		return id
	}
	return "local"
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorize accepts the token as a query parameter, a dedicated header, or
// a bearer token. EventSource and WebSocket clients cannot set headers, so
// the query form is deliberate.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.cfg.AuthToken {
		return true
	}

	if r.Header.Get("X-Relay-Token") == s.cfg.AuthToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.cfg.AuthToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, session.ErrInvalidUpstreamResponse):
		status = http.StatusBadGateway
	case errors.Is(err, session.ErrUpstreamTransport):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// ListenAndServe starts the HTTP server on the configured address.
func ListenAndServe(host string, port int, handler http.Handler) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	logger := logging.WithComponent("api")
	logger.Info().Str("addr", addr).Msg("server listening")
	return http.ListenAndServe(addr, handler)
}
