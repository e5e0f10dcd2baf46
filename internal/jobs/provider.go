package jobs

import "context"

// StartRequest asks a provider to begin an asynchronous operation.
type StartRequest struct {
	Kind    string         // provider-specific operation, e.g. "video.generate"
	Input   string
	Options map[string]any
}

// StartResponse identifies the provider-side job that was started.
type StartResponse struct {
	ExternalJobID string
	EstimatedCost float64
}

// PollResult is a provider's answer to a status poll.
type PollResult struct {
	Status       Status
	Progress     int // 0..100, meaningful while Status is StatusProcessing
	ResultURL    string
	ThumbnailURL *string
	Metadata     map[string]any
	CostUSD      float64
	ErrorMessage string
	ErrorCode    *string
}

// Status is the provider-reported job state, mapped by each Provider
// implementation from the provider's own vocabulary.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Provider adapts one external async-job backend. Implementations live with
// the code that embeds the runtime; the manager only needs these three calls.
type Provider interface {
	// StartJob begins the operation and returns the provider's job id.
	StartJob(ctx context.Context, req StartRequest) (StartResponse, error)
	// PollJob fetches the current provider-side state. Used as the source
	// of truth when webhooks are delayed or lost.
	PollJob(ctx context.Context, externalJobID string) (PollResult, error)
	// CancelJob requests cancellation. Cancelling an already-finished job
	// must not be an error.
	CancelJob(ctx context.Context, externalJobID string) error
}
