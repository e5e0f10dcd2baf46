package registry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kaname-ai/kaname/internal/model"
)

// Prober issues a lightweight liveness probe against an agent endpoint.
type Prober interface {
	Probe(ctx context.Context, endpoint string) error
}

// HTTPProber probes GET {endpoint}/health and treats any 2xx as alive.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates a prober with the given timeout (0 means 5s).
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{client: &http.Client{Timeout: timeout}}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("registry: build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health probe returned %d", resp.StatusCode)
	}
	return nil
}

// CheckHealth probes one agent and folds the result into its state. On
// success the circuit resets and the last health error clears; repeated
// failure past the threshold flips the agent unhealthy and trips the circuit.
func (r *Registry) CheckHealth(ctx context.Context, id string) (model.ExternalAgentState, error) {
	e, err := r.entry(id)
	if err != nil {
		return model.ExternalAgentState{}, err
	}
	e.mu.Lock()
	endpoint := e.cfg.Endpoint
	timeout := e.cfg.Timeout()
	threshold := e.cfg.FailureThreshold
	cooldown := e.cfg.CircuitCooldown()
	e.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	probeErr := r.prober.Probe(probeCtx, endpoint)
	now := r.clock()

	e.mu.Lock()
	e.state.LastHealthCheck = &now
	if probeErr == nil {
		e.state.HealthStatus = model.HealthHealthy
		e.state.LastHealthError = nil
		e.state.ConsecutiveFails = 0
		e.state.CircuitBroken = false
		e.state.CircuitResetTime = nil
	} else {
		msg := probeErr.Error()
		e.state.LastHealthError = &msg
		e.state.ConsecutiveFails++
		switch {
		case threshold > 0 && e.state.ConsecutiveFails >= threshold:
			e.state.HealthStatus = model.HealthUnhealthy
			if !e.state.CircuitBroken {
				resetAt := now.Add(cooldown)
				e.state.CircuitBroken = true
				e.state.CircuitResetTime = &resetAt
				r.logger.Warn("registry: circuit tripped by health check",
					"agent_id", id, "error", msg, "reset_at", resetAt)
			}
		default:
			e.state.HealthStatus = model.HealthDegraded
		}
	}
	snapshot := e.state
	e.mu.Unlock()

	if err := r.store.SaveAgentHealth(ctx, snapshot); err != nil {
		r.logger.Warn("registry: persist agent health failed", "agent_id", id, "error", err)
	}
	return snapshot, nil
}

// Run drives the recurring health checks. It ticks at the smallest
// registered interval and probes every agent whose own interval has elapsed,
// fanning probes out concurrently. Blocks until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = 10 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	r.logger.Info("registry: health check loop started", "tick", tick)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("registry: health check loop stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep probes all due agents concurrently.
func (r *Registry) sweep(ctx context.Context) {
	now := r.clock()

	r.mu.RLock()
	var due []string
	for id, e := range r.agents {
		e.mu.Lock()
		interval := e.cfg.HealthCheckInterval()
		last := e.state.LastHealthCheck
		enabled := e.cfg.Enabled
		e.mu.Unlock()
		if enabled && (last == nil || now.Sub(*last) >= interval) {
			due = append(due, id)
		}
	}
	r.mu.RUnlock()

	if len(due) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range due {
		g.Go(func() error {
			if _, err := r.CheckHealth(gctx, id); err != nil {
				r.logger.Debug("registry: health check skipped", "agent_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
