package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/arbiterhq/arbiter/internal/cache"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/planner"
	"github.com/arbiterhq/arbiter/internal/ratelimit"
	"github.com/arbiterhq/arbiter/internal/router"
)

// Server is the router HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Planner is nil when no LLM provider is configured.
type ServerConfig struct {
	DB      Store
	Router  *router.Router
	Cache   *cache.Cache
	Limiter *ratelimit.Limiter
	Planner *planner.SQLPlanner
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// OpenAPISpec is the embedded OpenAPI YAML, served when non-nil.
	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := &Handlers{
		db:           cfg.DB,
		router:       cfg.Router,
		cache:        cfg.Cache,
		limiter:      cfg.Limiter,
		planner:      cfg.Planner,
		logger:       cfg.Logger,
		version:      cfg.Version,
		maxBodyBytes: cfg.MaxRequestBodyBytes,
		openAPISpec:  cfg.OpenAPISpec,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /query", h.HandleQuery)
	mux.HandleFunc("GET /audit", h.HandleAudit)
	mux.HandleFunc("GET /stats", h.HandleStats)
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.Handle("GET /metrics", cfg.Metrics.Handler())

	// Middleware chain (outermost executes first):
	// correlation ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = correlationIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
