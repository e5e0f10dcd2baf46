package kaname

import (
	"context"
	"net/http"
)

// Agent is an in-process agent hosted by the runtime. Register one with
// WithAgent to make it addressable via POST /v1/execute.
type Agent interface {
	// ID is the name callers address the agent by.
	ID() string
	// Run executes the agent's logic through the session so every model
	// call, tool call, and job is metered and recorded.
	Run(ctx context.Context, s *Session) (string, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc struct {
	AgentID string
	Fn      func(ctx context.Context, s *Session) (string, error)
}

func (a AgentFunc) ID() string { return a.AgentID }

func (a AgentFunc) Run(ctx context.Context, s *Session) (string, error) {
	return a.Fn(ctx, s)
}

// ModelClient performs model calls. When provided via WithModelClient it
// replaces the built-in client; implementations adapt a concrete vendor SDK.
type ModelClient interface {
	Complete(ctx context.Context, req ModelRequest) (ModelResponse, error)
}

// Tool is an in-process tool agents may invoke. Register with WithTool.
type Tool interface {
	// Name is the identifier recorded in the run's step ledger.
	Name() string
	// Idempotent declares that repeating an Invoke with the same arguments
	// is safe even after a side effect was committed.
	Idempotent() bool
	// Invoke performs the tool's work.
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// JobProvider runs long asynchronous operations on an external service.
// Register with WithJobProvider; the name chosen there routes webhooks
// (POST /v1/webhooks/jobs/{provider}) and agent StartJob calls.
type JobProvider interface {
	// StartJob begins the operation and returns the provider's job id.
	StartJob(ctx context.Context, req JobRequest) (JobStart, error)
	// PollJob fetches the current provider-side state. Used as the source
	// of truth when webhooks are delayed or lost.
	PollJob(ctx context.Context, externalJobID string) (JobPoll, error)
	// CancelJob requests cancellation. Cancelling an already-finished job
	// must not be an error.
	CancelJob(ctx context.Context, externalJobID string) error
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including
// /healthz. Multiple middlewares are applied in registration order
// (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
