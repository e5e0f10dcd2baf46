package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kaname-ai/kaname/internal/model"
)

const runColumns = `id, idempotency_key, agent_id, status, input, input_hash, budget, consumed,
	current_model, effort_level, trace_id, tenant_id, user_id, result, warnings, error,
	started_at, completed_at, created_at, updated_at`

func scanRun(row pgx.Row) (model.Run, error) {
	var r model.Run
	err := row.Scan(
		&r.ID, &r.IdempotencyKey, &r.AgentID, &r.Status, &r.Input, &r.InputHash,
		&r.Budget, &r.Consumed, &r.CurrentModel, &r.EffortLevel,
		&r.TraceID, &r.TenantID, &r.UserID, &r.Result, &r.Warnings, &r.Error,
		&r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

// CreateRun inserts a new run keyed by its idempotency key. If a run with the
// same key already exists, the existing run is returned unchanged and created
// is false. This is the at-most-once guarantee for /execute.
func (db *DB) CreateRun(ctx context.Context, run model.Run) (model.Run, bool, error) {
	now := time.Now().UTC()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.CreatedAt = now
	run.UpdatedAt = now
	run.StartedAt = now

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, idempotency_key, agent_id, status, input, input_hash, budget, consumed,
		                   current_model, effort_level, trace_id, tenant_id, user_id,
		                   started_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		run.ID, run.IdempotencyKey, run.AgentID, string(run.Status), run.Input, run.InputHash,
		run.Budget, run.Consumed, run.CurrentModel, string(run.EffortLevel),
		run.TraceID, run.TenantID, run.UserID, run.StartedAt, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return model.Run{}, false, fmt.Errorf("storage: create run: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return run, true, nil
	}

	existing, err := db.GetRunByKey(ctx, run.IdempotencyKey)
	if err != nil {
		return model.Run{}, false, err
	}
	return existing, false, nil
}

// GetRun retrieves a run by id.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// GetRunByKey retrieves a run by idempotency key.
func (db *DB) GetRunByKey(ctx context.Context, key string) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE idempotency_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: get run by key: %w", err)
	}
	return run, nil
}

// RunFilter selects runs for ListRuns. Zero values mean "any".
type RunFilter struct {
	AgentID string
	Status  model.RunStatus
	Limit   int
	Offset  int
}

// ListRuns returns runs matching the filter, newest first, plus the total count.
func (db *DB) ListRuns(ctx context.Context, f RunFilter) ([]model.Run, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	where := `($1 = '' OR agent_id = $1) AND ($2 = '' OR status = $2)`
	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE `+where, f.AgentID, string(f.Status),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE `+where+`
		 ORDER BY started_at DESC
		 LIMIT $3 OFFSET $4`,
		f.AgentID, string(f.Status), f.Limit, f.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// TransitionRun atomically moves a run from one of the given statuses to the
// new status. The conditional UPDATE is what prevents two concurrent retries
// of the same idempotency key from double-transitioning a run.
// Returns ErrTerminal if the run exists but is not in an allowed from-status,
// ErrNotFound if it does not exist.
func (db *DB) TransitionRun(ctx context.Context, id uuid.UUID, from []model.RunStatus, to model.RunStatus) error {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}
	var completedAt *time.Time
	if to.Terminal() {
		now := time.Now().UTC()
		completedAt = &now
	}

	// Concurrent retries of the same key contend on this row; transient
	// serialization failures are retried rather than surfaced.
	var tag pgconn.CommandTag
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		var execErr error
		tag, execErr = db.pool.Exec(ctx,
			`UPDATE runs SET status = $1, completed_at = COALESCE($2, completed_at), updated_at = now()
			 WHERE id = $3 AND status = ANY($4)`,
			string(to), completedAt, id, fromStrs,
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("storage: transition run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := db.GetRun(ctx, id); err != nil {
			return err
		}
		return ErrTerminal
	}
	return nil
}

// UpdateRunProgress persists the run's consumption counters, current model,
// and accumulated warnings after a step. No-op on terminal runs.
func (db *DB) UpdateRunProgress(ctx context.Context, id uuid.UUID, consumed model.Usage, currentModel string, warnings []string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET consumed = $1, current_model = $2, warnings = $3, updated_at = now()
		 WHERE id = $4 AND status IN ('pending', 'running', 'awaiting_approval')`,
		consumed, currentModel, warnings, id,
	)
	if err != nil {
		return fmt.Errorf("storage: update run progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminal
	}
	return nil
}

// SetRunResult records the final result payload and optional terminal error.
// Called together with the terminal TransitionRun.
func (db *DB) SetRunResult(ctx context.Context, id uuid.UUID, result *string, runErr *model.RunError) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE runs SET result = $1, error = $2, updated_at = now() WHERE id = $3`,
		result, runErr, id,
	)
	if err != nil {
		return fmt.Errorf("storage: set run result: %w", err)
	}
	return nil
}

// DeleteRunsBefore removes terminal runs older than the cutoff. Steps cascade
// with the run. Returns the number of runs removed.
func (db *DB) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM runs
		 WHERE completed_at IS NOT NULL AND completed_at < $1
		   AND status IN ('completed', 'failed', 'partial', 'cancelled')`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: delete runs: %w", err)
	}
	return tag.RowsAffected(), nil
}
