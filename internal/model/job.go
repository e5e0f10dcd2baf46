package model

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a provider-side asynchronous operation.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusComplete   JobStatus = "complete"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the job status is final. Mutations of a terminal
// job are idempotent no-ops.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusComplete, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Job tracks one provider-side asynchronous operation (video/audio
// generation) to a terminal state. A job references its originating run for
// audit but has an independent lifecycle: it may outlive a client disconnect
// while the provider keeps working.
//
// Jobs are upserted keyed by (provider, external_job_id); creating the same
// external job twice yields one row.
type Job struct {
	ID              uuid.UUID      `json:"id"`
	Provider        string         `json:"provider"`
	ExternalJobID   string         `json:"external_job_id"`
	RunID           *uuid.UUID     `json:"run_id,omitempty"`
	Status          JobStatus      `json:"status"`
	Progress        int            `json:"progress"` // 0..100
	ResultURL       *string        `json:"result_url,omitempty"`
	ThumbnailURL    *string        `json:"thumbnail_url,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CostUSD         float64        `json:"cost_usd"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
	ErrorCode       *string        `json:"error_code,omitempty"`
	WebhookReceived bool           `json:"webhook_received"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}
