package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/musubi/internal/auth"
	"github.com/ashita-ai/musubi/internal/ratelimit"
)

// Server is the Musubi HTTP server.
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

// Handlers returns the underlying Handlers for access to SeedClient etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// ScopeMiddlewareFn builds a middleware enforcing one token scope. Passed to
// extra-route registrars so embedded deployments reuse the built-in auth
// chain.
type ScopeMiddlewareFn func(scope string) func(http.Handler) http.Handler

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Limiter, Broker, OpenAPISpec,
// ExtraRoutes, Middlewares.
type ServerConfig struct {
	// Required dependencies.
	Store  Store
	Jobs   JobRunner
	JWTMgr *auth.JWTManager
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter ratelimit.Limiter
	Broker  *Broker

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	KafkaEnabled        bool

	// Optional embedded assets.
	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// Extension points for embedding consumers. ExtraRoutes are registered
	// after the built-in routes; Middlewares wrap the whole chain, first
	// registered outermost.
	ExtraRoutes []func(mux *http.ServeMux, requireScope ScopeMiddlewareFn)
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Jobs:                cfg.Jobs,
		JWTMgr:              cfg.JWTMgr,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
		KafkaEnabled:        cfg.KafkaEnabled,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// One shared limiter; key prefixes keep the endpoint classes from
	// eating each other's budget.
	authRL := ratelimit.Middleware(cfg.Limiter, prefixedKey("auth", ratelimit.IPKeyFunc), reqIDFunc)
	ingestRL := ratelimit.Middleware(cfg.Limiter, prefixedKey("ingest", clientKeyFunc), reqIDFunc)
	queryRL := ratelimit.Middleware(cfg.Limiter, prefixedKey("query", clientKeyFunc), reqIDFunc)

	mux := http.NewServeMux()

	// Token exchange (no auth required, rate limited by IP).
	mux.Handle("POST /v1/auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Trace ingestion (ingest scope, rate limited).
	canIngest := requireScope(auth.ScopeIngest)
	mux.Handle("POST /v1/traces", ingestRL(canIngest(http.HandlerFunc(h.HandleUploadTrace))))

	// Query endpoints (read scope, rate limited).
	canRead := requireScope(auth.ScopeRead)
	mux.Handle("GET /v1/jobs/{job_id}", queryRL(canRead(http.HandlerFunc(h.HandleGetJob))))
	mux.Handle("GET /v1/traces", queryRL(canRead(http.HandlerFunc(h.HandleListTraces))))
	mux.Handle("GET /v1/traces/{trace_id}", queryRL(canRead(http.HandlerFunc(h.HandleGetTrace))))
	mux.Handle("GET /v1/traces/{trace_id}/edges", queryRL(canRead(http.HandlerFunc(h.HandleListEdges))))
	mux.Handle("GET /v1/traces/{trace_id}/quality", queryRL(canRead(http.HandlerFunc(h.HandleTraceQuality))))

	// Event stream (read scope, no rate limit: long-lived connection).
	mux.Handle("GET /v1/events", canRead(http.HandlerFunc(h.HandleEvents)))

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	// Embedded deployments register their routes after the built-ins so the
	// mux's longest-match rule keeps built-in paths authoritative.
	for _, register := range cfg.ExtraRoutes {
		register(mux, requireScope)
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

	// Consumer middlewares wrap everything, first registered outermost, so
	// they see every request including /healthz.
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

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

// clientKeyFunc extracts the authenticated client id from the request
// context for rate limiting. Unauthenticated requests return empty string
// and skip the limiter; requireScope rejects them anyway.
func clientKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// prefixedKey namespaces a key function so different endpoint classes get
// independent budgets from the shared limiter.
func prefixedKey(prefix string, f ratelimit.KeyFunc) ratelimit.KeyFunc {
	return func(r *http.Request) string {
		key := f(r)
		if key == "" {
			return ""
		}
		return prefix + ":" + key
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
