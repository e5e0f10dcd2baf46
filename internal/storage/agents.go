package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kaname-ai/kaname/internal/model"
)

const agentColumns = `id, name, endpoint, description, timeout_ms, max_concurrency,
	health_check_interval_ms, failure_threshold, circuit_cooldown_ms, enabled,
	created_at, updated_at`

func scanAgent(row pgx.Row) (model.ExternalAgentConfig, error) {
	var c model.ExternalAgentConfig
	err := row.Scan(
		&c.ID, &c.Name, &c.Endpoint, &c.Description, &c.TimeoutMs, &c.MaxConcurrency,
		&c.HealthCheckIntervalMs, &c.FailureThreshold, &c.CircuitCooldownMs, &c.Enabled,
		&c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

// CreateExternalAgent inserts a new external agent registration.
// Returns ErrDuplicate when the id is already registered.
func (db *DB) CreateExternalAgent(ctx context.Context, cfg model.ExternalAgentConfig) (model.ExternalAgentConfig, error) {
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO external_agents (id, name, endpoint, description, timeout_ms, max_concurrency,
		        health_check_interval_ms, failure_threshold, circuit_cooldown_ms, enabled,
		        created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		cfg.ID, cfg.Name, cfg.Endpoint, cfg.Description, cfg.TimeoutMs, cfg.MaxConcurrency,
		cfg.HealthCheckIntervalMs, cfg.FailureThreshold, cfg.CircuitCooldownMs, cfg.Enabled,
		cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ExternalAgentConfig{}, ErrDuplicate
		}
		return model.ExternalAgentConfig{}, fmt.Errorf("storage: create external agent: %w", err)
	}
	return cfg, nil
}

// GetExternalAgent retrieves a registration by id.
func (db *DB) GetExternalAgent(ctx context.Context, id string) (model.ExternalAgentConfig, error) {
	cfg, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM external_agents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ExternalAgentConfig{}, ErrNotFound
		}
		return model.ExternalAgentConfig{}, fmt.Errorf("storage: get external agent: %w", err)
	}
	return cfg, nil
}

// ListExternalAgents returns all registrations ordered by id.
func (db *DB) ListExternalAgents(ctx context.Context) ([]model.ExternalAgentConfig, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM external_agents ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list external agents: %w", err)
	}
	defer rows.Close()

	var agents []model.ExternalAgentConfig
	for rows.Next() {
		c, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan external agent: %w", err)
		}
		agents = append(agents, c)
	}
	return agents, rows.Err()
}

// UpdateExternalAgent replaces a registration's mutable fields.
func (db *DB) UpdateExternalAgent(ctx context.Context, cfg model.ExternalAgentConfig) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE external_agents SET name = $1, endpoint = $2, description = $3,
		        timeout_ms = $4, max_concurrency = $5, health_check_interval_ms = $6,
		        failure_threshold = $7, circuit_cooldown_ms = $8, enabled = $9, updated_at = now()
		 WHERE id = $10`,
		cfg.Name, cfg.Endpoint, cfg.Description, cfg.TimeoutMs, cfg.MaxConcurrency,
		cfg.HealthCheckIntervalMs, cfg.FailureThreshold, cfg.CircuitCooldownMs, cfg.Enabled, cfg.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: update external agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetExternalAgentEnabled toggles the enabled flag.
func (db *DB) SetExternalAgentEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE external_agents SET enabled = $1, updated_at = now() WHERE id = $2`, enabled, id)
	if err != nil {
		return fmt.Errorf("storage: set external agent enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExternalAgent removes a registration and its persisted health row.
func (db *DB) DeleteExternalAgent(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM external_agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete external agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := db.pool.Exec(ctx, `DELETE FROM agent_health WHERE agent_id = $1`, id); err != nil {
		return fmt.Errorf("storage: delete agent health: %w", err)
	}
	return nil
}

// SaveAgentHealth persists the latest observed health snapshot so circuit
// state survives restarts.
func (db *DB) SaveAgentHealth(ctx context.Context, st model.ExternalAgentState) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_health (agent_id, health_status, last_health_check, last_health_error,
		        consecutive_failures, circuit_broken, circuit_reset_time,
		        total_requests, total_errors, avg_response_ms, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		 ON CONFLICT (agent_id) DO UPDATE SET
		        health_status = EXCLUDED.health_status,
		        last_health_check = EXCLUDED.last_health_check,
		        last_health_error = EXCLUDED.last_health_error,
		        consecutive_failures = EXCLUDED.consecutive_failures,
		        circuit_broken = EXCLUDED.circuit_broken,
		        circuit_reset_time = EXCLUDED.circuit_reset_time,
		        total_requests = EXCLUDED.total_requests,
		        total_errors = EXCLUDED.total_errors,
		        avg_response_ms = EXCLUDED.avg_response_ms,
		        updated_at = now()`,
		st.AgentID, string(st.HealthStatus), st.LastHealthCheck, st.LastHealthError,
		st.ConsecutiveFails, st.CircuitBroken, st.CircuitResetTime,
		st.TotalRequests, st.TotalErrors, st.AvgResponseMs,
	)
	if err != nil {
		return fmt.Errorf("storage: save agent health: %w", err)
	}
	return nil
}

// GetAgentHealth loads the persisted health snapshot, if any.
func (db *DB) GetAgentHealth(ctx context.Context, agentID string) (model.ExternalAgentState, error) {
	var st model.ExternalAgentState
	err := db.pool.QueryRow(ctx,
		`SELECT agent_id, health_status, last_health_check, last_health_error,
		        consecutive_failures, circuit_broken, circuit_reset_time,
		        total_requests, total_errors, avg_response_ms
		 FROM agent_health WHERE agent_id = $1`, agentID,
	).Scan(
		&st.AgentID, &st.HealthStatus, &st.LastHealthCheck, &st.LastHealthError,
		&st.ConsecutiveFails, &st.CircuitBroken, &st.CircuitResetTime,
		&st.TotalRequests, &st.TotalErrors, &st.AvgResponseMs,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ExternalAgentState{}, ErrNotFound
		}
		return model.ExternalAgentState{}, fmt.Errorf("storage: get agent health: %w", err)
	}
	return st, nil
}
