package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kaname-ai/kaname/internal/model"
)

const jobColumns = `id, provider, external_job_id, run_id, status, progress,
	result_url, thumbnail_url, metadata, cost_usd, error_message, error_code,
	webhook_received, created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (model.Job, error) {
	var j model.Job
	err := row.Scan(
		&j.ID, &j.Provider, &j.ExternalJobID, &j.RunID, &j.Status, &j.Progress,
		&j.ResultURL, &j.ThumbnailURL, &j.Metadata, &j.CostUSD, &j.ErrorMessage, &j.ErrorCode,
		&j.WebhookReceived, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt,
	)
	return j, err
}

// UpsertJob creates a job keyed by (provider, external_job_id). Creating the
// same external job twice returns the existing row, never a duplicate.
func (db *DB) UpsertJob(ctx context.Context, job model.Job) (model.Job, bool, error) {
	now := time.Now().UTC()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO jobs (id, provider, external_job_id, run_id, status, progress, metadata,
		                   cost_usd, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (provider, external_job_id) DO NOTHING`,
		job.ID, job.Provider, job.ExternalJobID, job.RunID, string(job.Status), job.Progress,
		job.Metadata, job.CostUSD, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return model.Job{}, false, fmt.Errorf("storage: upsert job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		db.notifyJob(ctx, job.ID, job.Status)
		return job, true, nil
	}

	existing, err := db.GetJobByExternalID(ctx, job.Provider, job.ExternalJobID)
	if err != nil {
		return model.Job{}, false, err
	}
	return existing, false, nil
}

// GetJob retrieves a job by id.
func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (model.Job, error) {
	job, err := scanJob(db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Job{}, ErrNotFound
		}
		return model.Job{}, fmt.Errorf("storage: get job: %w", err)
	}
	return job, nil
}

// GetJobByExternalID retrieves a job by its provider identity.
func (db *DB) GetJobByExternalID(ctx context.Context, provider, externalJobID string) (model.Job, error) {
	job, err := scanJob(db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE provider = $1 AND external_job_id = $2`,
		provider, externalJobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Job{}, ErrNotFound
		}
		return model.Job{}, fmt.Errorf("storage: get job by external id: %w", err)
	}
	return job, nil
}

// JobFilter selects jobs for ListJobs. Zero values mean "any".
type JobFilter struct {
	Provider string
	Status   model.JobStatus
	Limit    int
	Offset   int
}

// ListJobs returns jobs matching the filter, newest first, plus the total count.
func (db *DB) ListJobs(ctx context.Context, f JobFilter) ([]model.Job, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	where := `($1 = '' OR provider = $1) AND ($2 = '' OR status = $2)`
	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE `+where, f.Provider, string(f.Status),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count jobs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE `+where+`
		 ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		f.Provider, string(f.Status), f.Limit, f.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

// ListActiveJobs returns all non-terminal jobs, oldest first, for the
// reconciliation sweep.
func (db *DB) ListActiveJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN ('pending', 'processing') ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list active jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateJobProgress clamps pct to [0,100] and forces status to processing.
// No-op on a terminal job.
func (db *DB) UpdateJobProgress(ctx context.Context, id uuid.UUID, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE jobs SET status = 'processing', progress = $1, updated_at = now()
		 WHERE id = $2 AND status IN ('pending', 'processing')`,
		pct, id,
	)
	if err != nil {
		return fmt.Errorf("storage: update job progress: %w", err)
	}
	if tag.RowsAffected() == 1 {
		db.notifyJob(ctx, id, model.JobStatusProcessing)
	}
	return nil
}

// CompleteJob marks a job complete with its result. Idempotent no-op if the
// job is already terminal: completed_at is never overwritten.
func (db *DB) CompleteJob(ctx context.Context, id uuid.UUID, resultURL string, metadata map[string]any, costUSD float64, thumbnailURL *string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE jobs SET status = 'complete', progress = 100, result_url = $1,
		        thumbnail_url = COALESCE($2, thumbnail_url),
		        metadata = COALESCE($3, metadata), cost_usd = cost_usd + $4,
		        completed_at = now(), updated_at = now()
		 WHERE id = $5 AND status IN ('pending', 'processing')`,
		resultURL, thumbnailURL, metadata, costUSD, id,
	)
	if err != nil {
		return fmt.Errorf("storage: complete job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		db.notifyJob(ctx, id, model.JobStatusComplete)
	}
	return nil
}

// FailJob marks a job failed. Idempotent no-op if already terminal.
func (db *DB) FailJob(ctx context.Context, id uuid.UUID, message string, code *string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', error_message = $1, error_code = $2,
		        completed_at = now(), updated_at = now()
		 WHERE id = $3 AND status IN ('pending', 'processing')`,
		message, code, id,
	)
	if err != nil {
		return fmt.Errorf("storage: fail job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		db.notifyJob(ctx, id, model.JobStatusFailed)
	}
	return nil
}

// CancelJob cancels a pending or processing job. No-op otherwise.
func (db *DB) CancelJob(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE jobs SET status = 'cancelled', completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'processing')`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: cancel job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		db.notifyJob(ctx, id, model.JobStatusCancelled)
	}
	return nil
}

// MarkJobWebhookReceived records webhook receipt without touching status.
func (db *DB) MarkJobWebhookReceived(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE jobs SET webhook_received = TRUE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: mark job webhook: %w", err)
	}
	return nil
}

// notifyJob publishes a job status change on the jobs channel. Best effort:
// a notify failure never fails the mutation that triggered it.
func (db *DB) notifyJob(ctx context.Context, id uuid.UUID, status model.JobStatus) {
	payload, err := json.Marshal(map[string]string{"job_id": id.String(), "status": string(status)})
	if err != nil {
		return
	}
	if err := db.Notify(ctx, ChannelJobs, string(payload)); err != nil {
		db.logger.Warn("storage: job notify failed", "job_id", id, "error", err)
	}
}
