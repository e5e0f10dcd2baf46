package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kaname-ai/kaname/internal/auth"
	"github.com/kaname-ai/kaname/internal/engine"
	"github.com/kaname-ai/kaname/internal/fault"
	"github.com/kaname-ai/kaname/internal/jobs"
	"github.com/kaname-ai/kaname/internal/ledger"
	"github.com/kaname-ai/kaname/internal/model"
	"github.com/kaname-ai/kaname/internal/proxy"
	"github.com/kaname-ai/kaname/internal/registry"
)

// Pinger reports storage liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	engine              *engine.Engine
	ledger              *ledger.Ledger
	registry            *registry.Registry
	proxy               *proxy.Proxy
	jobs                *jobs.Manager
	jwtMgr              *auth.JWTManager
	keyring             *auth.Keyring
	broker              *Broker
	pinger              Pinger
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): JWTMgr, Keyring, Broker, Pinger.
type HandlersDeps struct {
	Engine              *engine.Engine
	Ledger              *ledger.Ledger
	Registry            *registry.Registry
	Proxy               *proxy.Proxy
	Jobs                *jobs.Manager
	JWTMgr              *auth.JWTManager
	Keyring             *auth.Keyring
	Broker              *Broker
	Pinger              Pinger
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		engine:              d.Engine,
		ledger:              d.Ledger,
		registry:            d.Registry,
		proxy:               d.Proxy,
		jobs:                d.Jobs,
		jwtMgr:              d.JWTMgr,
		keyring:             d.Keyring,
		broker:              d.Broker,
		pinger:              d.Pinger,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /v1/auth/token: exchanges a configured API
// key for a short-lived JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	if h.jwtMgr == nil || h.keyring.Empty() {
		writeError(w, r, http.StatusServiceUnavailable, fault.CodeUnauthorized,
			"authentication is not configured")
		return
	}

	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, fault.CodeInvalidInput, "invalid request body")
		return
	}
	if req.ClientID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, fault.CodeInvalidInput, "client_id and api_key are required")
		return
	}

	role, err := h.keyring.Authenticate(req.ClientID, req.APIKey)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, fault.CodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(req.ClientID, "", role)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			pgStatus = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Agents:   len(h.registry.List()),
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp.Broker = "running"
	}

	writeJSON(w, r, httpStatus, resp)
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, fault.CodeInternal, msg)
}

// --- Shared helpers ---

func parseRunID(r *http.Request) (uuid.UUID, error) {
	runIDStr := r.PathValue("run_id")
	if runIDStr == "" {
		return uuid.Nil, fmt.Errorf("run_id is required")
	}
	id, err := uuid.Parse(runIDStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid run_id: %s", runIDStr)
	}
	return id, nil
}

func parseJobID(r *http.Request) (uuid.UUID, error) {
	jobIDStr := r.PathValue("job_id")
	if jobIDStr == "" {
		return uuid.Nil, fmt.Errorf("job_id is required")
	}
	id, err := uuid.Parse(jobIDStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job_id: %s", jobIDStr)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive
// sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
