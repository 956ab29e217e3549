// Package server provides the local status and control API of the endpoint agent.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/endpoint-agent/internal/agent"
	"github.com/invisible-tech/endpoint-agent/internal/anomaly"
	"github.com/invisible-tech/endpoint-agent/internal/push"
	"github.com/invisible-tech/endpoint-agent/internal/rules"
	"github.com/invisible-tech/endpoint-agent/internal/version"
)

// Server is the HTTP server for the agent API.
type Server struct {
	addr       string
	agent      *agent.Agent
	log        *logrus.Logger
	router     chi.Router
	httpServer *http.Server
}

// New creates a new HTTP server backed by the given agent.
func New(addr string, ag *agent.Agent, log *logrus.Logger) *Server {
	s := &Server{addr: addr, agent: ag, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Get("/rules", s.handleListRules)
		r.Get("/rules/{id}", s.handleGetRule)
		r.Post("/rules/sync", s.handleSyncRules)
		r.Post("/rules/apply", s.handleApplyRules)

		r.Get("/traffic", s.handleListTraffic)
		r.Post("/traffic/monitor", s.handleMonitorTraffic)
		r.Post("/traffic/clear", s.handleClearTraffic)

		r.Get("/anomalies", s.handleListAnomalies)
		r.Post("/anomalies/{id}/resolve", s.handleResolveAnomaly)

		r.Get("/websocket/status", s.handlePushStatus)
		r.Post("/websocket/connect", s.handlePushConnect)
		r.Post("/websocket/disconnect", s.handlePushDisconnect)
		r.Post("/websocket/system-status", s.handlePushRequestStatus)
	})
	s.router = r

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server. It blocks until the server is closed.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.addr).Info("Agent API listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, response{Success: true, Data: data})
}

func fail(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, response{Success: false, Message: err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": version.Version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ok(w, s.agent.Status())
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	ok(w, s.agent.Rules().List())
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, found := s.agent.Rules().Get(chi.URLParam(r, "id"))
	if !found {
		fail(w, http.StatusNotFound, errors.New("rule not found"))
		return
	}
	ok(w, rule)
}

func (s *Server) handleSyncRules(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.Rules().SyncFromAuthority(r.Context(), rules.TriggerManual); err != nil {
		fail(w, http.StatusBadGateway, err)
		return
	}
	ok(w, map[string]int{"count": s.agent.Rules().Len()})
}

func (s *Server) handleApplyRules(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.Rules().Apply(r.Context()); err != nil {
		fail(w, http.StatusInternalServerError, err)
		return
	}
	ok(w, map[string]int{"applied": len(s.agent.Rules().Enabled())})
}

func (s *Server) handleListTraffic(w http.ResponseWriter, r *http.Request) {
	ok(w, s.agent.Traffic().List(queryInt(r, "limit", 100)))
}

func (s *Server) handleMonitorTraffic(w http.ResponseWriter, r *http.Request) {
	records, flagged, err := s.agent.ScanTraffic(r.Context())
	if err != nil {
		fail(w, http.StatusInternalServerError, err)
		return
	}
	ok(w, map[string]any{"traffic": records, "anomalies": flagged})
}

func (s *Server) handleClearTraffic(w http.ResponseWriter, r *http.Request) {
	s.agent.Traffic().Clear()
	ok(w, nil)
}

func (s *Server) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	includeResolved, _ := strconv.ParseBool(r.URL.Query().Get("includeResolved"))
	ok(w, s.agent.Anomalies().List(queryInt(r, "limit", 100), includeResolved))
}

func (s *Server) handleResolveAnomaly(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ResolvedBy string `json:"resolvedBy"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			fail(w, http.StatusBadRequest, errors.New("invalid JSON"))
			return
		}
	}
	if body.ResolvedBy == "" {
		body.ResolvedBy = "system"
	}

	resolved, err := s.agent.Anomalies().Resolve(r.Context(), chi.URLParam(r, "id"), body.ResolvedBy)
	switch {
	case errors.Is(err, anomaly.ErrNotFound):
		fail(w, http.StatusNotFound, err)
	case errors.Is(err, anomaly.ErrAlreadyResolved):
		fail(w, http.StatusConflict, err)
	case err != nil:
		fail(w, http.StatusInternalServerError, err)
	default:
		ok(w, resolved)
	}
}

func pushError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agent.ErrPushDisabled):
		fail(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, push.ErrStopped):
		fail(w, http.StatusConflict, err)
	case errors.Is(err, push.ErrNotConnected):
		fail(w, http.StatusServiceUnavailable, err)
	default:
		fail(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handlePushStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.agent.PushStatus()
	if err != nil {
		pushError(w, err)
		return
	}
	ok(w, st)
}

func (s *Server) handlePushConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.ConnectPush(); err != nil {
		pushError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePushDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.DisconnectPush(); err != nil {
		pushError(w, err)
		return
	}
	ok(w, nil)
}

func (s *Server) handlePushRequestStatus(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.RequestAuthorityStatus(); err != nil {
		pushError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
