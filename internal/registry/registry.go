// Package registry owns configuration and live health/circuit state for
// every registered external agent, and decides whether a call is currently
// permitted. Configuration persists in Postgres; live counters (in-flight
// requests, rolling averages) are process-local and mutated under per-agent
// exclusion.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kaname-ai/kaname/internal/fault"
	"github.com/kaname-ai/kaname/internal/model"
	"github.com/kaname-ai/kaname/internal/storage"
)

// Store is the persistence contract the registry needs. *storage.DB satisfies it.
type Store interface {
	CreateExternalAgent(ctx context.Context, cfg model.ExternalAgentConfig) (model.ExternalAgentConfig, error)
	GetExternalAgent(ctx context.Context, id string) (model.ExternalAgentConfig, error)
	ListExternalAgents(ctx context.Context) ([]model.ExternalAgentConfig, error)
	UpdateExternalAgent(ctx context.Context, cfg model.ExternalAgentConfig) error
	SetExternalAgentEnabled(ctx context.Context, id string, enabled bool) error
	DeleteExternalAgent(ctx context.Context, id string) error
	SaveAgentHealth(ctx context.Context, st model.ExternalAgentState) error
	GetAgentHealth(ctx context.Context, agentID string) (model.ExternalAgentState, error)
}

// Defaults applied to registrations that omit tunables.
const (
	DefaultTimeoutMs             = 30_000
	DefaultMaxConcurrency        = 10
	DefaultHealthCheckIntervalMs = 30_000
	DefaultFailureThreshold      = 3
	DefaultCircuitCooldownMs     = 60_000
)

// entry is one registered agent: its config plus live state, guarded by its
// own mutex so concurrent proxy calls to the same agent serialize only with
// each other.
type entry struct {
	mu    sync.Mutex
	cfg   model.ExternalAgentConfig
	state model.ExternalAgentState
}

// Registry holds all registered external agents.
type Registry struct {
	store   Store
	prober  Prober
	logger  *slog.Logger
	clock   func() time.Time

	mu     sync.RWMutex
	agents map[string]*entry
}

// New creates a Registry. prober may be nil, in which case the default HTTP
// prober is used.
func New(store Store, prober Prober, logger *slog.Logger) *Registry {
	if prober == nil {
		prober = NewHTTPProber(0)
	}
	return &Registry{
		store:  store,
		prober: prober,
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
		agents: make(map[string]*entry),
	}
}

// Load restores all persisted registrations and their last health snapshots.
// Called once at startup.
func (r *Registry) Load(ctx context.Context) error {
	configs, err := r.store.ListExternalAgents(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cfg := range configs {
		st, err := r.store.GetAgentHealth(ctx, cfg.ID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			st = model.ExternalAgentState{AgentID: cfg.ID, HealthStatus: model.HealthUnknown}
		}
		st.ActiveRequests = 0 // in-flight counts never survive a restart
		r.agents[cfg.ID] = &entry{cfg: cfg, state: st}
	}
	r.logger.Info("registry: loaded external agents", "count", len(configs))
	return nil
}

// Register validates and persists a new agent, initializing health unknown.
// A duplicate id fails with AgentExists.
func (r *Registry) Register(ctx context.Context, cfg model.ExternalAgentConfig) (model.ExternalAgent, error) {
	if err := cfg.Validate(); err != nil {
		return model.ExternalAgent{}, fault.Newf(fault.CodeInvalidInput, "invalid agent config: %v", err)
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = DefaultTimeoutMs
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.HealthCheckIntervalMs <= 0 {
		cfg.HealthCheckIntervalMs = DefaultHealthCheckIntervalMs
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.CircuitCooldownMs <= 0 {
		cfg.CircuitCooldownMs = DefaultCircuitCooldownMs
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[cfg.ID]; exists {
		return model.ExternalAgent{}, fault.Newf(fault.CodeAgentExists, "agent %q is already registered", cfg.ID)
	}

	saved, err := r.store.CreateExternalAgent(ctx, cfg)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return model.ExternalAgent{}, fault.Newf(fault.CodeAgentExists, "agent %q is already registered", cfg.ID)
		}
		return model.ExternalAgent{}, err
	}

	e := &entry{
		cfg:   saved,
		state: model.ExternalAgentState{AgentID: saved.ID, HealthStatus: model.HealthUnknown},
	}
	r.agents[saved.ID] = e
	r.logger.Info("registry: registered external agent", "agent_id", saved.ID, "endpoint", saved.Endpoint)
	return model.ExternalAgent{Config: saved, State: e.state}, nil
}

// Unregister removes config and state atomically. In-flight calls referencing
// the removed agent fail AgentNotFound rather than using stale config.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[id]; !exists {
		return fault.Newf(fault.CodeAgentNotFound, "agent %q is not registered", id)
	}
	if err := r.store.DeleteExternalAgent(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	delete(r.agents, id)
	r.logger.Info("registry: unregistered external agent", "agent_id", id)
	return nil
}

// Get returns one agent's config and live state.
func (r *Registry) Get(id string) (model.ExternalAgent, error) {
	e, err := r.entry(id)
	if err != nil {
		return model.ExternalAgent{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return model.ExternalAgent{Config: e.cfg, State: e.state}, nil
}

// List returns all agents sorted by nothing in particular; callers sort.
func (r *Registry) List() []model.ExternalAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ExternalAgent, 0, len(r.agents))
	for _, e := range r.agents {
		e.mu.Lock()
		out = append(out, model.ExternalAgent{Config: e.cfg, State: e.state})
		e.mu.Unlock()
	}
	return out
}

// Update persists new configuration for an existing agent.
func (r *Registry) Update(ctx context.Context, cfg model.ExternalAgentConfig) (model.ExternalAgent, error) {
	if err := cfg.Validate(); err != nil {
		return model.ExternalAgent{}, fault.Newf(fault.CodeInvalidInput, "invalid agent config: %v", err)
	}
	e, err := r.entry(cfg.ID)
	if err != nil {
		return model.ExternalAgent{}, err
	}
	if err := r.store.UpdateExternalAgent(ctx, cfg); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.ExternalAgent{}, fault.Newf(fault.CodeAgentNotFound, "agent %q is not registered", cfg.ID)
		}
		return model.ExternalAgent{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg.CreatedAt = e.cfg.CreatedAt
	e.cfg = cfg
	return model.ExternalAgent{Config: e.cfg, State: e.state}, nil
}

// SetEnabled toggles an agent without removing it.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	if err := r.store.SetExternalAgentEnabled(ctx, id, enabled); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fault.Newf(fault.CodeAgentNotFound, "agent %q is not registered", id)
		}
		return err
	}
	e.mu.Lock()
	e.cfg.Enabled = enabled
	e.mu.Unlock()
	return nil
}

// TryAcquire is the admission gate the proxy must pass before dialing out.
// The check and the slot reservation happen under one critical section, so
// two callers racing for the last slot can never both get through. A false
// result means the agent is disabled, its circuit is broken and the cooldown
// has not elapsed, or the concurrency cap is reached. Admitted callers get
// the agent snapshot and must pair the call with Release.
func (r *Registry) TryAcquire(id string) (model.ExternalAgent, bool, error) {
	e, err := r.entry(id)
	if err != nil {
		return model.ExternalAgent{}, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cfg.Enabled {
		return model.ExternalAgent{}, false, nil
	}
	if e.state.CircuitBroken {
		if e.state.CircuitResetTime == nil || r.clock().Before(*e.state.CircuitResetTime) {
			return model.ExternalAgent{}, false, nil
		}
		// Cooldown elapsed: admit probes again, half-open.
		e.state.CircuitBroken = false
		e.state.CircuitResetTime = nil
	}
	if e.cfg.MaxConcurrency > 0 && e.state.ActiveRequests >= e.cfg.MaxConcurrency {
		return model.ExternalAgent{}, false, nil
	}
	e.state.ActiveRequests++
	return model.ExternalAgent{Config: e.cfg, State: e.state}, true, nil
}

// Release frees an in-flight slot and folds the call's outcome into the
// rolling counters. A failed call counts toward the circuit threshold; a
// successful one resets it.
func (r *Registry) Release(ctx context.Context, id string, elapsed time.Duration, callErr error) {
	e, err := r.entry(id)
	if err != nil {
		return // agent was unregistered mid-call
	}
	e.mu.Lock()
	if e.state.ActiveRequests > 0 {
		e.state.ActiveRequests--
	}
	e.state.TotalRequests++
	// Cumulative moving average over all requests.
	n := float64(e.state.TotalRequests)
	e.state.AvgResponseMs += (float64(elapsed.Milliseconds()) - e.state.AvgResponseMs) / n

	if callErr != nil {
		e.state.TotalErrors++
		e.state.ConsecutiveFails++
		if e.cfg.FailureThreshold > 0 && e.state.ConsecutiveFails >= e.cfg.FailureThreshold && !e.state.CircuitBroken {
			resetAt := r.clock().Add(e.cfg.CircuitCooldown())
			e.state.CircuitBroken = true
			e.state.CircuitResetTime = &resetAt
			e.state.HealthStatus = model.HealthUnhealthy
			r.logger.Warn("registry: circuit tripped",
				"agent_id", id, "consecutive_failures", e.state.ConsecutiveFails, "reset_at", resetAt)
		}
	} else {
		e.state.ConsecutiveFails = 0
	}
	snapshot := e.state
	e.mu.Unlock()

	if err := r.store.SaveAgentHealth(ctx, snapshot); err != nil {
		r.logger.Warn("registry: persist agent health failed", "agent_id", id, "error", err)
	}
}

// ResetCircuitBreaker is the operator escape hatch: it clears the broken
// flag immediately.
func (r *Registry) ResetCircuitBreaker(ctx context.Context, id string) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.state.CircuitBroken = false
	e.state.CircuitResetTime = nil
	e.state.ConsecutiveFails = 0
	snapshot := e.state
	e.mu.Unlock()
	r.logger.Info("registry: circuit breaker manually reset", "agent_id", id)

	if err := r.store.SaveAgentHealth(ctx, snapshot); err != nil {
		r.logger.Warn("registry: persist agent health failed", "agent_id", id, "error", err)
	}
	return nil
}

// entry resolves an agent id to its live entry.
func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fault.Newf(fault.CodeAgentNotFound, "agent %q is not registered", id)
	}
	return e, nil
}
