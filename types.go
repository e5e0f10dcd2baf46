package kaname

import (
	"time"

	"github.com/google/uuid"
)

// ModelRequest is one model invocation made by an agent.
type ModelRequest struct {
	Model             string
	Prompt            string
	System            string
	MaxThinkingTokens int64
	Options           map[string]any
}

// ModelResponse is a model's answer plus its token accounting.
type ModelResponse struct {
	Text           string
	Reasoning      *string
	InputTokens    int64
	OutputTokens   int64
	ThinkingTokens int64
}

// JobRequest describes an asynchronous operation to start on a provider.
type JobRequest struct {
	Kind    string
	Input   string
	Options map[string]any
}

// JobStart identifies the provider-side job that was started.
type JobStart struct {
	ExternalJobID string
	EstimatedCost float64
}

// JobStatus is the lifecycle state of a provider-side asynchronous operation.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobComplete   JobStatus = "complete"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// JobPoll is a provider's answer to a status poll.
type JobPoll struct {
	Status       JobStatus
	Progress     int // 0..100, meaningful while Status is JobProcessing
	ResultURL    string
	ThumbnailURL *string
	Metadata     map[string]any
	CostUSD      float64
	ErrorMessage string
	ErrorCode    *string
}

// Job is the public view of a tracked asynchronous job.
// It is a curated view of the internal job record for use in extension
// interfaces. It has no internal package imports, so it is safe to use from
// outside the module.
type Job struct {
	ID            uuid.UUID
	Provider      string
	ExternalJobID string
	RunID         *uuid.UUID
	Status        JobStatus
	Progress      int
	ResultURL     *string
	CostUSD       float64
	CreatedAt     time.Time
	CompletedAt   *time.Time
}
