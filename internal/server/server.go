package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kaname-ai/kaname/internal/auth"
	"github.com/kaname-ai/kaname/internal/ratelimit"
)

// Server is the Kaname HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Config holds HTTP-level settings and the handler dependencies.
type Config struct {
	Deps HandlersDeps

	// Limiter is optional; nil disables rate limiting.
	Limiter ratelimit.Limiter

	// Middlewares wrap the root handler outermost, in registration order.
	// They run before routing, so they see every request including /healthz.
	Middlewares []func(http.Handler) http.Handler

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(cfg.Deps)
	logger := cfg.Deps.Logger

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Authenticated traffic is limited per client, unauthenticated (auth
	// disabled or token exchange) per source IP. Admins are exempt.
	limited := ratelimit.Middleware(cfg.Limiter, clientKeyFunc, reqIDFunc)
	ipLimited := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Token exchange (no auth required, rate limited by IP).
	mux.Handle("POST /v1/auth/token", ipLimited(http.HandlerFunc(h.HandleAuthToken)))

	// Execution (operator+, rate limited).
	operator := requireRole(auth.RoleOperator, auth.RoleAdmin)
	mux.Handle("POST /v1/execute", limited(operator(http.HandlerFunc(h.HandleExecute))))
	mux.Handle("POST /v1/stream", limited(operator(http.HandlerFunc(h.HandleStream))))
	mux.Handle("GET /v1/stream/ws", operator(http.HandlerFunc(h.HandleStreamWS)))

	// Run ledger.
	mux.Handle("GET /v1/runs", limited(operator(http.HandlerFunc(h.HandleListRuns))))
	mux.Handle("GET /v1/runs/{run_id}", limited(operator(http.HandlerFunc(h.HandleGetRun))))
	mux.Handle("POST /v1/runs/{run_id}/cancel", limited(operator(http.HandlerFunc(h.HandleCancelRun))))
	mux.Handle("POST /v1/runs/{run_id}/approval", limited(operator(http.HandlerFunc(h.HandleResolveApproval))))
	mux.Handle("GET /v1/runs/{run_id}/provenance", limited(operator(http.HandlerFunc(h.HandleRunProvenance))))

	// External agent registry (admin-only mutations).
	adminOnly := requireRole(auth.RoleAdmin)
	mux.Handle("POST /v1/external-agents", adminOnly(http.HandlerFunc(h.HandleRegisterAgent)))
	mux.Handle("GET /v1/external-agents", limited(operator(http.HandlerFunc(h.HandleListAgents))))
	mux.Handle("GET /v1/external-agents/{agent_id}", limited(operator(http.HandlerFunc(h.HandleGetAgent))))
	mux.Handle("PUT /v1/external-agents/{agent_id}", adminOnly(http.HandlerFunc(h.HandleUpdateAgent)))
	mux.Handle("DELETE /v1/external-agents/{agent_id}", adminOnly(http.HandlerFunc(h.HandleUnregisterAgent)))
	// Health checks run an on-demand probe, so the canonical form is POST;
	// GET stays as a convenience alias.
	mux.Handle("POST /v1/external-agents/{agent_id}/health", limited(operator(http.HandlerFunc(h.HandleAgentHealth))))
	mux.Handle("GET /v1/external-agents/{agent_id}/health", limited(operator(http.HandlerFunc(h.HandleAgentHealth))))
	mux.Handle("POST /v1/external-agents/{agent_id}/enable", adminOnly(http.HandlerFunc(h.HandleEnableAgent)))
	mux.Handle("POST /v1/external-agents/{agent_id}/disable", adminOnly(http.HandlerFunc(h.HandleDisableAgent)))
	mux.Handle("POST /v1/external-agents/{agent_id}/circuit/reset", adminOnly(http.HandlerFunc(h.HandleResetCircuit)))
	mux.Handle("POST /v1/external-agents/{agent_id}/execute", adminOnly(http.HandlerFunc(h.HandleAgentExecute)))

	// Async jobs.
	mux.Handle("GET /v1/jobs", limited(operator(http.HandlerFunc(h.HandleListJobs))))
	mux.Handle("POST /v1/jobs", limited(operator(http.HandlerFunc(h.HandleTrackJob))))
	mux.Handle("GET /v1/jobs/{job_id}", limited(operator(http.HandlerFunc(h.HandleGetJob))))
	mux.Handle("POST /v1/jobs/{job_id}/cancel", limited(operator(http.HandlerFunc(h.HandleCancelJob))))
	mux.Handle("GET /v1/jobs/events", operator(http.HandlerFunc(h.HandleJobEvents)))

	// Provider callbacks (no auth; providers sign nothing uniform, so the
	// path token is rate limited by IP instead).
	mux.Handle("POST /v1/webhooks/jobs/{provider}", ipLimited(http.HandlerFunc(h.HandleJobWebhook)))

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(logger, handler)
	handler = authMiddleware(cfg.Deps.JWTMgr, handler)
	handler = loggingMiddleware(logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)
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
		logger:   logger,
	}
}

// clientKeyFunc extracts the client ID from the request context for rate
// limiting. Returns empty string for admins (exempt) and when auth is
// disabled (fall back to no limiting rather than one shared bucket).
func clientKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if claims.Role == auth.RoleAdmin {
		return ""
	}
	return "client:" + claims.ClientID
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
