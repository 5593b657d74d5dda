package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hikaku/internal/auth"
	"github.com/ashita-ai/hikaku/internal/model"
	"github.com/ashita-ai/hikaku/internal/ratelimit"
	"github.com/ashita-ai/hikaku/internal/service/pipeline"
)

// Server is the hikaku HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// RoleMiddlewareFn builds middleware enforcing a minimum operator role.
type RoleMiddlewareFn func(model.OperatorRole) func(http.Handler) http.Handler

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): RateLimiter, MCPServer, HistoryPing, Broker,
// OpenAPISpec, ExtraRoutes, Middlewares.
type ServerConfig struct {
	// Required dependencies.
	Pipeline *pipeline.Controller
	JWTMgr   *auth.JWTManager
	Keyring  *auth.Keyring
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	RateLimiter ratelimit.Limiter
	TrustProxy  bool
	MCPServer   *mcpserver.MCPServer
	HistoryPing func(context.Context) error
	Broker      *Broker

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	HistoryBackend      string
	MaxRequestBodyBytes int64

	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// Extension points, applied after the built-in routes.
	ExtraRoutes []func(*http.ServeMux, RoleMiddlewareFn)
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Pipeline:            cfg.Pipeline,
		JWTMgr:              cfg.JWTMgr,
		Keyring:             cfg.Keyring,
		HistoryBackend:      cfg.HistoryBackend,
		HistoryPing:         cfg.HistoryPing,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	rl := func(next http.Handler) http.Handler {
		return rateLimitMiddleware(limiter, cfg.Logger, cfg.TrustProxy, next)
	}

	mux := http.NewServeMux()

	// Token exchange (no auth, rate limited by IP).
	mux.Handle("POST /auth/token", rl(http.HandlerFunc(h.HandleAuthToken)))

	// Feedback ingestion (reviewer+, rate limited per principal).
	reviewer := requireRole(model.RoleReviewer)
	mux.Handle("POST /v1/feedback", reviewer(rl(http.HandlerFunc(h.HandleSubmitFeedback))))

	// Read endpoints (reader+).
	reader := requireRole(model.RoleReader)
	mux.Handle("GET /v1/status", reader(http.HandlerFunc(h.HandleStatus)))
	mux.Handle("GET /v1/history", reader(http.HandlerFunc(h.HandleHistory)))
	mux.Handle("GET /v1/uploads", reader(http.HandlerFunc(h.HandleUploads)))
	mux.Handle("GET /v1/jobs/{job_name}", reader(http.HandlerFunc(h.HandleGetJob)))
	mux.Handle("GET /v1/backends", reader(http.HandlerFunc(h.HandleBackends)))
	mux.Handle("GET /v1/config", reader(http.HandlerFunc(h.HandleGetConfig)))
	mux.Handle("GET /v1/events", reader(http.HandlerFunc(h.HandleEvents)))

	// Administration (admin only).
	admin := requireRole(model.RoleAdmin)
	mux.Handle("PATCH /v1/config", admin(http.HandlerFunc(h.HandleUpdateConfig)))
	mux.Handle("POST /v1/reset", admin(http.HandlerFunc(h.HandleReset)))
	mux.Handle("PATCH /v1/jobs/{job_name}", admin(http.HandlerFunc(h.HandleUpdateJobStatus)))

	// MCP StreamableHTTP transport (auth required, reader+). Claims reach the
	// tool handlers through the request context; tools check their own role.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", reader(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	for _, register := range cfg.ExtraRoutes {
		register(mux, requireRole)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
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
