package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kaname-ai/kaname/internal/model"
)

const stepColumns = `id, run_id, idx, idempotency_key, type, target, status,
	input_hash, output_hash, input, output, side_effect_committed,
	input_tokens, output_tokens, thinking_tokens, cost_usd, duration_ms,
	error_code, error_message, started_at, completed_at`

func scanStep(row pgx.Row) (model.Step, error) {
	var s model.Step
	err := row.Scan(
		&s.ID, &s.RunID, &s.Index, &s.IdempotencyKey, &s.Type, &s.Target, &s.Status,
		&s.InputHash, &s.OutputHash, &s.Input, &s.Output, &s.SideEffectCommitted,
		&s.InputTokens, &s.OutputTokens, &s.ThinkingTokens, &s.CostUSD, &s.DurationMs,
		&s.ErrorCode, &s.ErrorMessage, &s.StartedAt, &s.CompletedAt,
	)
	return s, err
}

// AppendStep inserts a step keyed by its deterministic idempotency key. A
// duplicate append for the same key is a no-op that returns the prior step;
// this is what makes retried runs safe.
func (db *DB) AppendStep(ctx context.Context, step model.Step) (model.Step, bool, error) {
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	if step.StartedAt.IsZero() {
		step.StartedAt = time.Now().UTC()
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO steps (id, run_id, idx, idempotency_key, type, target, status,
		                    input_hash, input, side_effect_committed, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		step.ID, step.RunID, step.Index, step.IdempotencyKey, string(step.Type), step.Target,
		string(step.Status), step.InputHash, step.Input, step.SideEffectCommitted, step.StartedAt,
	)
	if err != nil {
		return model.Step{}, false, fmt.Errorf("storage: append step: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return step, true, nil
	}

	existing, err := db.GetStepByKey(ctx, step.IdempotencyKey)
	if err != nil {
		return model.Step{}, false, err
	}
	return existing, false, nil
}

// GetStepByKey retrieves a step by its idempotency key.
func (db *DB) GetStepByKey(ctx context.Context, key string) (model.Step, error) {
	step, err := scanStep(db.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE idempotency_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Step{}, ErrNotFound
		}
		return model.Step{}, fmt.Errorf("storage: get step by key: %w", err)
	}
	return step, nil
}

// StepResult carries the completion fields written by CompleteStep.
type StepResult struct {
	Status              model.StepStatus
	OutputHash          string
	Output              *string
	SideEffectCommitted bool
	InputTokens         int64
	OutputTokens        int64
	ThinkingTokens      int64
	CostUSD             float64
	DurationMs          int64
	ErrorCode           *string
	ErrorMessage        *string
}

// CompleteStep records a step's outcome and metrics.
func (db *DB) CompleteStep(ctx context.Context, id uuid.UUID, res StepResult) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE steps SET status = $1, output_hash = $2, output = $3, side_effect_committed = $4,
		        input_tokens = $5, output_tokens = $6, thinking_tokens = $7,
		        cost_usd = $8, duration_ms = $9, error_code = $10, error_message = $11,
		        completed_at = now()
		 WHERE id = $12`,
		string(res.Status), res.OutputHash, res.Output, res.SideEffectCommitted,
		res.InputTokens, res.OutputTokens, res.ThinkingTokens,
		res.CostUSD, res.DurationMs, res.ErrorCode, res.ErrorMessage, id,
	)
	if err != nil {
		return fmt.Errorf("storage: complete step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSideEffectCommitted flips the side-effect flag before a tool's external
// effect is produced, so a crash between the effect and CompleteStep cannot
// lead to a double execution on retry.
func (db *DB) MarkSideEffectCommitted(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE steps SET side_effect_committed = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: mark side effect: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSteps returns all steps of a run in index order.
func (db *DB) ListSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = $1 ORDER BY idx ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list steps: %w", err)
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}
