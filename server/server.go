// Package server exposes the relay's admin HTTP endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sakamichi-relay/poll"
)

const shutdownTimeout = 10 * time.Second

// Poller is the scheduler the admin endpoints talk to.
type Poller interface {
	Trigger() bool
	Status() poll.Status
}

// RulesInfo reports when dispatch rules were last loaded.
type RulesInfo interface {
	LoadedAt() time.Time
}

// Server handles admin HTTP requests.
type Server struct {
	poller  Poller
	rules   RulesInfo
	logger  *slog.Logger
	router  chi.Router
	started time.Time
}

// Config holds server configuration.
type Config struct {
	Poller Poller
	Rules  RulesInfo // optional
	Logger *slog.Logger
}

// New creates the admin server and its routes.
func New(cfg *Config) *Server {
	s := &Server{
		poller:  cfg.Poller,
		rules:   cfg.Rules,
		logger:  cfg.Logger,
		started: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Post("/pollz", s.handlePoll)
	r.Get("/statusz", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())

	s.router = r
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown failed", "error", err)
		}
	}()

	s.logger.Info("Starting HTTP server", "port", port)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status_code", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handlePoll asks the scheduler for an immediate cycle. The cycle runs on the
// scheduler goroutine, never on the request.
func (s *Server) handlePoll(w http.ResponseWriter, _ *http.Request) {
	if !s.poller.Trigger() {
		s.logger.Info("Poll endpoint triggered, cycle already pending")
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "already_pending"})
		return
	}
	s.logger.Info("Poll endpoint triggered")
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

type statusResponse struct {
	LastCycle     *time.Time `json:"last_cycle,omitempty"`
	RulesLoadedAt *time.Time `json:"rules_loaded_at,omitempty"`
	Started       time.Time  `json:"started"`
	LastDuration  string     `json:"last_cycle_duration"`
	Cycles        int64      `json:"cycles"`
	QueueDepth    int        `json:"retry_queue_depth"`
	Delivered     int        `json:"delivered_last_cycle"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.poller.Status()
	resp := statusResponse{
		Started:      s.started,
		LastDuration: st.LastDuration.String(),
		Cycles:       st.Cycles,
		QueueDepth:   st.QueueDepth,
		Delivered:    st.Delivered,
	}
	if !st.LastCycle.IsZero() {
		resp.LastCycle = &st.LastCycle
	}
	if s.rules != nil {
		if t := s.rules.LoadedAt(); !t.IsZero() {
			resp.RulesLoadedAt = &t
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
