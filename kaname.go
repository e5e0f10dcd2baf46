// Package kaname is the public API for embedding the Kaname agent runtime.
//
// Consumers import this package to construct and extend the runtime without
// forking it:
//
//	app, err := kaname.New(
//	    kaname.WithVersion(version),
//	    kaname.WithLogger(logger),
//	    kaname.WithModelClient(myVendorClient{}),
//	    kaname.WithAgent(myAgent{}),
//	    kaname.WithJobProvider("render", myRenderProvider{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kaname (root) imports
// internal/*, but internal/* never imports kaname (root). Public types
// (Job, ModelRequest, etc.) are standalone structs with no internal imports;
// conversion helpers live here because this is the only file that sees both
// sides of the boundary.
package kaname

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kaname-ai/kaname/internal/auth"
	"github.com/kaname-ai/kaname/internal/budget"
	"github.com/kaname-ai/kaname/internal/config"
	"github.com/kaname-ai/kaname/internal/engine"
	"github.com/kaname-ai/kaname/internal/janitor"
	"github.com/kaname-ai/kaname/internal/jobs"
	"github.com/kaname-ai/kaname/internal/ledger"
	"github.com/kaname-ai/kaname/internal/model"
	"github.com/kaname-ai/kaname/internal/proxy"
	"github.com/kaname-ai/kaname/internal/ratelimit"
	"github.com/kaname-ai/kaname/internal/registry"
	"github.com/kaname-ai/kaname/internal/server"
	"github.com/kaname-ai/kaname/internal/storage"
	"github.com/kaname-ai/kaname/internal/telemetry"
	"github.com/kaname-ai/kaname/migrations"
)

// App is the Kaname runtime lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	registry     *registry.Registry
	jan          *janitor.Janitor
	broker       *server.Broker // nil when no notify connection
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the runtime. It connects to the database, runs migrations,
// wires all subsystems, and returns a ready-to-run App. It does NOT start
// any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kaname starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Auth is optional: without credentials the API is open and the token
	// endpoint answers 503.
	var (
		jwtMgr  *auth.JWTManager
		keyring *auth.Keyring
	)
	if len(cfg.APICredentials) > 0 {
		keyring, err = auth.ParseCredentials(cfg.APICredentials)
		if err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("auth: %w", err)
		}
		jwtMgr, err = auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
		if err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("auth: %w", err)
		}
		logger.Info("auth: enabled", "clients", len(cfg.APICredentials))
	} else {
		logger.Warn("auth: disabled (no KANAME_API_KEYS configured)")
	}

	limiter, err := newLimiter(cfg, logger)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, err
	}

	ctrl, err := budget.New(budget.Config{})
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("budget: %w", err)
	}

	led := ledger.New(db, logger, cfg.RetainPayloads)

	reg := registry.New(db, registry.NewHTTPProber(10*time.Second), logger)
	if err := reg.Load(context.Background()); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("registry: %w", err)
	}

	px := proxy.New(reg, nil, logger)

	jm := jobs.NewManager(db, logger)
	for name, p := range o.jobProviders {
		jm.RegisterProvider(name, &jobProviderAdapter{p: p})
	}

	var modelClient engine.ModelClient
	if o.modelClient != nil {
		modelClient = &modelClientAdapter{c: o.modelClient}
	}

	eng, err := engine.New(engine.Config{
		Ledger:   led,
		Budget:   ctrl,
		Registry: reg,
		Proxy:    px,
		Jobs:     jm,
		Model:    modelClient,
		Logger:   logger,
		DefaultBudget: model.Budget{
			MaxCostUSD:          cfg.DefaultMaxCostUSD,
			MaxDurationMs:       cfg.DefaultMaxDuration.Milliseconds(),
			AllowModelDowngrade: cfg.AllowModelDowngrade,
		},
		DefaultEffort: cfg.DefaultEffort,
	})
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("engine: %w", err)
	}
	for _, a := range o.agents {
		eng.RegisterAgent(&agentAdapter{a: a})
	}
	for _, t := range o.tools {
		eng.RegisterTool(t)
	}

	var broker *server.Broker
	if cfg.NotifyURL != "" {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Info("job event broker: disabled (no notify connection)")
	}

	jan, err := janitor.New(janitor.Config{
		ReconcileSpec: cfg.JobReconcileSchedule,
		PruneSpec:     cfg.RunPruneSchedule,
		Retention:     cfg.RunRetention,
	}, jm, db, logger)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("janitor: %w", err)
	}

	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, (func(http.Handler) http.Handler)(mw))
	}

	srv := server.New(server.Config{
		Deps: server.HandlersDeps{
			Engine:              eng,
			Ledger:              led,
			Registry:            reg,
			Proxy:               px,
			Jobs:                jm,
			JWTMgr:              jwtMgr,
			Keyring:             keyring,
			Broker:              broker,
			Pinger:              db,
			Logger:              logger,
			Version:             version,
			MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		},
		Limiter:      limiter,
		Middlewares:  middlewares,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		registry:     reg,
		jan:          jan,
		broker:       broker,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler exposes the fully wired HTTP handler for tests and custom servers.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if a.broker != nil {
		go a.broker.Start(ctx)
	}
	go a.registry.Run(ctx, a.cfg.AgentHealthInterval)
	a.jan.Start()

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight HTTP requests, stops the maintenance scheduler,
// and closes the database pool and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kaname shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	a.jan.Stop()
	if err := a.limiter.Close(); err != nil {
		a.logger.Warn("rate limiter close failed", "error", err)
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("kaname stopped")
	return nil
}

func newLimiter(cfg config.Config, logger *slog.Logger) (ratelimit.Limiter, error) {
	if cfg.RateLimitRPS <= 0 {
		logger.Info("rate limiting: disabled")
		return ratelimit.NoopLimiter{}, nil
	}
	if cfg.RedisURL != "" {
		redisOpts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		logger.Info("rate limiting: redis (shared fixed window)",
			"rps", cfg.RateLimitRPS, "addr", redisOpts.Addr)
		return ratelimit.NewRedisLimiter(goredis.NewClient(redisOpts), int(cfg.RateLimitRPS), time.Second), nil
	}
	logger.Info("rate limiting: memory (in-process token bucket)",
		"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	return ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), nil
}

// ── Session ────────────────────────────────────────────────────────────────────

// Session is the metered interface an Agent works through. Every model call,
// tool call, and job started here is priced against the run's budget and
// recorded in the step ledger.
type Session struct {
	tk *engine.Toolkit
}

// Input returns the caller-supplied run input.
func (s *Session) Input() string { return s.tk.Input() }

// RunID returns the run's identifier.
func (s *Session) RunID() uuid.UUID { return s.tk.RunID() }

// CurrentModel returns the model currently selected for this run. It changes
// when the budget controller downgrades mid-run.
func (s *Session) CurrentModel() string { return s.tk.CurrentModel() }

// Complete performs a model call with the run's current model and effort.
func (s *Session) Complete(ctx context.Context, prompt string) (string, error) {
	return s.tk.Complete(ctx, prompt)
}

// CompleteWith performs a model call with explicit request parameters.
// An empty Model uses the run's current model.
func (s *Session) CompleteWith(ctx context.Context, req ModelRequest) (string, error) {
	return s.tk.CompleteWith(ctx, engine.ModelRequest{
		Model:             req.Model,
		Prompt:            req.Prompt,
		System:            req.System,
		MaxThinkingTokens: req.MaxThinkingTokens,
		Options:           req.Options,
	})
}

// Tool invokes a registered tool by name.
func (s *Session) Tool(ctx context.Context, name string, args map[string]any) (any, error) {
	return s.tk.Tool(ctx, name, args)
}

// StartJob starts an asynchronous job on a registered provider and records it
// against the run.
func (s *Session) StartJob(ctx context.Context, provider string, req JobRequest) (Job, error) {
	job, err := s.tk.StartJob(ctx, provider, jobs.StartRequest{
		Kind:    req.Kind,
		Input:   req.Input,
		Options: req.Options,
	})
	if err != nil {
		return Job{}, err
	}
	return toPublicJob(job), nil
}

// AwaitJob blocks until the job reaches a terminal state, polling the
// provider at the given interval.
func (s *Session) AwaitJob(ctx context.Context, jobID uuid.UUID, pollInterval time.Duration) (Job, error) {
	job, err := s.tk.AwaitJob(ctx, jobID, pollInterval)
	if err != nil {
		return Job{}, err
	}
	return toPublicJob(job), nil
}

// Progress emits a progress event to the run's stream, if any.
func (s *Session) Progress(percent int, message string) { s.tk.Progress(percent, message) }

// Warn attaches a non-fatal warning to the run.
func (s *Session) Warn(message string) { s.tk.Warn(message) }

// AwaitApproval parks the run until an operator resolves the approval via
// POST /v1/runs/{run_id}/approval. Returns an error when declined.
func (s *Session) AwaitApproval(ctx context.Context, reason string) error {
	return s.tk.AwaitApproval(ctx, reason)
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// agentAdapter wraps a public Agent to satisfy engine.Agent.
type agentAdapter struct {
	a Agent
}

func (ad *agentAdapter) ID() string { return ad.a.ID() }

func (ad *agentAdapter) Run(ctx context.Context, tk *engine.Toolkit) (string, error) {
	return ad.a.Run(ctx, &Session{tk: tk})
}

// modelClientAdapter wraps a public ModelClient to satisfy engine.ModelClient.
type modelClientAdapter struct {
	c ModelClient
}

func (ad *modelClientAdapter) Complete(ctx context.Context, req engine.ModelRequest) (engine.ModelResponse, error) {
	resp, err := ad.c.Complete(ctx, ModelRequest{
		Model:             req.Model,
		Prompt:            req.Prompt,
		System:            req.System,
		MaxThinkingTokens: req.MaxThinkingTokens,
		Options:           req.Options,
	})
	if err != nil {
		return engine.ModelResponse{}, err
	}
	return engine.ModelResponse{
		Text:           resp.Text,
		Reasoning:      resp.Reasoning,
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
		ThinkingTokens: resp.ThinkingTokens,
	}, nil
}

// jobProviderAdapter wraps a public JobProvider to satisfy jobs.Provider.
type jobProviderAdapter struct {
	p JobProvider
}

func (ad *jobProviderAdapter) StartJob(ctx context.Context, req jobs.StartRequest) (jobs.StartResponse, error) {
	start, err := ad.p.StartJob(ctx, JobRequest{Kind: req.Kind, Input: req.Input, Options: req.Options})
	if err != nil {
		return jobs.StartResponse{}, err
	}
	return jobs.StartResponse{ExternalJobID: start.ExternalJobID, EstimatedCost: start.EstimatedCost}, nil
}

func (ad *jobProviderAdapter) PollJob(ctx context.Context, externalJobID string) (jobs.PollResult, error) {
	poll, err := ad.p.PollJob(ctx, externalJobID)
	if err != nil {
		return jobs.PollResult{}, err
	}
	return jobs.PollResult{
		Status:       jobs.Status(poll.Status),
		Progress:     poll.Progress,
		ResultURL:    poll.ResultURL,
		ThumbnailURL: poll.ThumbnailURL,
		Metadata:     poll.Metadata,
		CostUSD:      poll.CostUSD,
		ErrorMessage: poll.ErrorMessage,
		ErrorCode:    poll.ErrorCode,
	}, nil
}

func (ad *jobProviderAdapter) CancelJob(ctx context.Context, externalJobID string) error {
	return ad.p.CancelJob(ctx, externalJobID)
}

// ── Type converters ────────────────────────────────────────────────────────────

// toPublicJob converts an internal model.Job to the public kaname.Job.
func toPublicJob(j model.Job) Job {
	return Job{
		ID:            j.ID,
		Provider:      j.Provider,
		ExternalJobID: j.ExternalJobID,
		RunID:         j.RunID,
		Status:        JobStatus(j.Status),
		Progress:      j.Progress,
		ResultURL:     j.ResultURL,
		CostUSD:       j.CostUSD,
		CreatedAt:     j.CreatedAt,
		CompletedAt:   j.CompletedAt,
	}
}
