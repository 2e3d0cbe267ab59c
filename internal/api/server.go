// Package api is the HTTP surface of the engine: campaign template and
// instance management, enrollment operations, provider webhooks, and the
// admin plane (DLQ, providers, workers, API keys). Every response uses
// the shared success/error envelope. Authentication is API-key based;
// webhook routes authenticate by provider signature instead.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/outreach-engine/internal/auth"
	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/metrics"
)

// Server wraps the router and the HTTP listener lifecycle.
type Server struct {
	config   config.ServerConfig
	handler  http.Handler
	handlers *Handlers
	server   *http.Server
	router   *chi.Mux

	auth    *auth.Manager
	limiter *slidingLimiter
	metrics *metrics.Metrics

	csrfCookie string
	lockout    time.Duration
	maxBody    int64
}

// NewServer builds the server with its full middleware chain and routes.
func NewServer(cfg *config.Config, h *Handlers, am *auth.Manager, rdb *redis.Client, m *metrics.Metrics) *Server {
	s := &Server{
		config:     cfg.Server,
		handlers:   h,
		auth:       am,
		limiter:    newSlidingLimiter(rdb, cfg.API.RateLimitPerMinute),
		metrics:    m,
		csrfCookie: cfg.API.CSRFCookieName,
		lockout:    time.Duration(cfg.API.LockoutMinutes) * time.Minute,
		maxBody:    cfg.Intake.MaxBodyBytes,
	}
	s.router = s.setupRoutes()
	s.handler = s.router
	return s
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}
