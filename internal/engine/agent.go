package engine

import "context"

// Agent is an in-process agent: a unit of work driven by the engine. The
// implementation calls back into the Toolkit for every model call, tool call,
// and job it performs so the runtime can meter, record, and replay each one.
type Agent interface {
	// ID is the name callers address the agent by.
	ID() string
	// Run executes the agent's logic. The returned string is the run result.
	Run(ctx context.Context, tk *Toolkit) (string, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc struct {
	AgentID string
	Fn      func(ctx context.Context, tk *Toolkit) (string, error)
}

func (a AgentFunc) ID() string { return a.AgentID }

func (a AgentFunc) Run(ctx context.Context, tk *Toolkit) (string, error) {
	return a.Fn(ctx, tk)
}

// ModelRequest is one model invocation.
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

// ModelClient performs model calls. Implementations adapt a concrete vendor
// SDK; the engine only prices and records what comes back.
type ModelClient interface {
	Complete(ctx context.Context, req ModelRequest) (ModelResponse, error)
}

// StreamingModelClient is an optional extension: when the caller asked for a
// stream and the client implements it, text is delivered incrementally
// through emit before the final response returns.
type StreamingModelClient interface {
	ModelClient
	CompleteStream(ctx context.Context, req ModelRequest, emit func(text string)) (ModelResponse, error)
}

// Tool is an in-process tool an agent may invoke.
type Tool interface {
	// Name is the identifier recorded in the ledger.
	Name() string
	// Idempotent declares that repeating an Invoke with the same arguments
	// is safe even after a side effect was committed.
	Idempotent() bool
	// Invoke performs the tool's work.
	Invoke(ctx context.Context, args map[string]any) (any, error)
}
