package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/sluice-ai/sluice/internal/admission"
	"github.com/sluice-ai/sluice/internal/auth"
	"github.com/sluice-ai/sluice/internal/catalog"
	"github.com/sluice-ai/sluice/internal/events"
	"github.com/sluice-ai/sluice/internal/provider"
	"github.com/sluice-ai/sluice/internal/ratelimit"
	"github.com/sluice-ai/sluice/internal/storage"
)

// Server is the sluice HTTP server.
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

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Admission, DB, JWTMgr, AuthLimiter, MCPServer,
// OpenAPISpec, ExtraRoutes.
type ServerConfig struct {
	// Required dependencies.
	Pipeline  Pipeline
	Hub       *events.Hub
	Catalog   *catalog.Catalog
	Providers *provider.Registry
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Admission   admission.Controller
	DB          *storage.DB
	JWTMgr      *auth.JWTManager
	AuthLimiter ratelimit.Limiter
	MCPServer   *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// AuthDisabled turns off credential checks; every request runs under the
	// zero org. Intended for local single-tenant use only.
	AuthDisabled bool

	// Optional embedded assets.
	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// ExtraRoutes lets an embedding application register additional handlers
	// on the mux. Routes are added before the middleware chain is applied,
	// so they run with auth, logging, and tracing like everything else.
	ExtraRoutes func(mux *http.ServeMux)
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Pipeline:            cfg.Pipeline,
		Hub:                 cfg.Hub,
		Catalog:             cfg.Catalog,
		Providers:           cfg.Providers,
		Admission:           cfg.Admission,
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// The token endpoint is reachable without credentials, so it gets an
	// IP-keyed limiter against brute force.
	authRL := ratelimit.Middleware(cfg.AuthLimiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /v1/auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Chat submission and the per-job event stream.
	mux.HandleFunc("POST /v1/chat", h.HandleChat)
	mux.HandleFunc("GET /v1/jobs/{id}/events", h.HandleJobEvents)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", h.HandleCancelJob)
	mux.HandleFunc("GET /v1/jobs/{id}", h.HandleGetJob)
	mux.HandleFunc("GET /v1/jobs", h.HandleListJobs)

	// Catalog and cost reads.
	mux.HandleFunc("GET /v1/catalog", h.HandleCatalog)
	mux.HandleFunc("GET /v1/estimate", h.HandleEstimate)

	// Org administration.
	mux.HandleFunc("GET /v1/router-config", h.HandleGetRouterConfig)
	mux.HandleFunc("PUT /v1/router-config", h.HandlePutRouterConfig)
	mux.HandleFunc("DELETE /v1/router-config", h.HandleDeleteRouterConfig)
	mux.HandleFunc("GET /v1/settings", h.HandleGetSettings)
	mux.HandleFunc("PUT /v1/settings", h.HandlePutSettings)
	mux.HandleFunc("GET /v1/usage", h.HandleGetUsage)
	mux.HandleFunc("GET /v1/security/halts", h.HandleListHalts)
	mux.HandleFunc("GET /v1/providers/health", h.HandleProviderHealth)

	// API key management.
	mux.HandleFunc("POST /v1/keys", h.HandleCreateKey)
	mux.HandleFunc("GET /v1/keys", h.HandleListKeys)
	mux.HandleFunc("DELETE /v1/keys/{id}", h.HandleRevokeKey)

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health and version (no auth, no rate limit).
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.HandleFunc("GET /version", h.HandleVersion)

	if cfg.ExtraRoutes != nil {
		cfg.ExtraRoutes(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, cfg.DB, cfg.AuthDisabled, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
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
