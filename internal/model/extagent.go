package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// HealthStatus is the observed liveness of an external agent.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ExternalAgentConfig is the registration record for an out-of-process agent
// reachable over HTTP. Validated once at registration time.
type ExternalAgentConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Endpoint    string `json:"endpoint"` // base URL, e.g. http://transform-svc:9090
	Description string `json:"description,omitempty"`

	TimeoutMs             int64 `json:"timeout_ms"`
	MaxConcurrency        int   `json:"max_concurrency"`
	HealthCheckIntervalMs int64 `json:"health_check_interval_ms"`
	FailureThreshold      int   `json:"failure_threshold"` // consecutive failures before the circuit trips
	CircuitCooldownMs     int64 `json:"circuit_cooldown_ms"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Timeout returns the per-call timeout.
func (c ExternalAgentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// HealthCheckInterval returns the probe interval.
func (c ExternalAgentConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMs) * time.Millisecond
}

// CircuitCooldown returns how long a tripped circuit stays closed to traffic.
func (c ExternalAgentConfig) CircuitCooldown() time.Duration {
	return time.Duration(c.CircuitCooldownMs) * time.Millisecond
}

// Validate checks the required registration fields.
func (c ExternalAgentConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("endpoint must be a valid http(s) URL")
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency must be non-negative")
	}
	if c.FailureThreshold < 0 {
		return fmt.Errorf("failure_threshold must be non-negative")
	}
	return nil
}

// ExternalAgentState is the live health and circuit-breaker state for a
// registered external agent. Owned by the registry for as long as the agent
// stays registered.
type ExternalAgentState struct {
	AgentID          string       `json:"agent_id"`
	HealthStatus     HealthStatus `json:"health_status"`
	LastHealthCheck  *time.Time   `json:"last_health_check,omitempty"`
	LastHealthError  *string      `json:"last_health_error,omitempty"`
	ConsecutiveFails int          `json:"consecutive_failures"`
	CircuitBroken    bool         `json:"circuit_broken"`
	CircuitResetTime *time.Time   `json:"circuit_reset_time,omitempty"`
	TotalRequests    int64        `json:"total_requests"`
	TotalErrors      int64        `json:"total_errors"`
	AvgResponseMs    float64      `json:"avg_response_ms"`
	ActiveRequests   int          `json:"active_requests"`
}

// ExternalAgent is the API view combining configuration and live state.
type ExternalAgent struct {
	Config ExternalAgentConfig `json:"config"`
	State  ExternalAgentState  `json:"state"`
}
