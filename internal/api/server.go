// Package api serves the operational HTTP endpoints: liveness, readiness,
// Prometheus metrics and an on-demand run trigger.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/harrier/internal/domain"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.handler.logger = l }
}

// WithCheck adds a named collaborator to the readiness check.
func WithCheck(name string, p Pinger) Option {
	return func(s *Server) {
		if p != nil {
			s.handler.checks = append(s.handler.checks, check{name: name, p: p})
		}
	}
}

// WithRunRequester mounts POST /runs.
func WithRunRequester(r RunRequester) Option {
	return func(s *Server) { s.handler.runs = r }
}

// WithMetricsHandler mounts GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// Server is the ops HTTP server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	metrics http.Handler
	server  *http.Server
}

// NewServer builds the router.
func NewServer(cfg domain.ServerConfig, version string, opts ...Option) *Server {
	s := &Server{
		handler: &Handler{
			version: version,
			timeout: 2 * time.Second,
			logger:  slog.Default(),
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	router := chi.NewRouter()
	router.Use(RecoverMiddleware(s.handler.logger))
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware(s.handler.logger))
	router.Use(middleware.RealIP)

	router.Get("/health", s.handler.Health)
	router.Get("/ready", s.handler.Ready)
	if s.metrics != nil {
		router.Method(http.MethodGet, "/metrics", s.metrics)
	}
	if s.handler.runs != nil {
		router.With(TenantMiddleware).Post("/runs", s.handler.RequestRun)
	}

	s.router = router
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start listens until Shutdown; it returns http.ErrServerClosed on a clean stop.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}
