// Package model defines the core domain types for the execution runtime.
//
// Types correspond directly to database tables and API payloads. They use
// strong typing (UUIDs, time.Time, enums) and avoid interface{} wherever
// possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending          RunStatus = "pending"
	RunStatusRunning          RunStatus = "running"
	RunStatusAwaitingApproval RunStatus = "awaiting_approval"
	RunStatusCompleted        RunStatus = "completed"
	RunStatusFailed           RunStatus = "failed"
	RunStatusPartial          RunStatus = "partial"
	RunStatusCancelled        RunStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal runs are frozen:
// no further steps may be appended and no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusPartial, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// runTransitions is the allowed state machine.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPending:          {RunStatusRunning, RunStatusCancelled, RunStatusFailed},
	RunStatusRunning:          {RunStatusAwaitingApproval, RunStatusCompleted, RunStatusFailed, RunStatusPartial, RunStatusCancelled},
	RunStatusAwaitingApproval: {RunStatusRunning, RunStatusFailed, RunStatusCancelled},
}

// CanTransition reports whether from → to is a legal run transition.
func CanTransition(from, to RunStatus) bool {
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RunError is the terminal error recorded on a failed or partial run.
type RunError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	StepIndex *int   `json:"step_index,omitempty"`
}

// Run is one execution of an agent under a budget, identified by a
// caller-supplied idempotency key. A second request with the same key returns
// the existing run rather than re-executing.
type Run struct {
	ID             uuid.UUID  `json:"id"`
	IdempotencyKey string     `json:"idempotency_key"`
	AgentID        string     `json:"agent_id"`
	Status         RunStatus  `json:"status"`
	Input          string     `json:"input,omitempty"`
	InputHash      string     `json:"input_hash"`
	Budget         Budget     `json:"budget"`
	Consumed       Usage      `json:"consumed"`
	CurrentModel   string     `json:"current_model"`
	EffortLevel    Effort     `json:"effort_level"`
	TraceID        *string    `json:"trace_id,omitempty"`
	TenantID       *string    `json:"tenant_id,omitempty"`
	UserID         *string    `json:"user_id,omitempty"`
	Result         *string    `json:"result,omitempty"`
	Warnings       []string   `json:"warnings,omitempty"`
	Error          *RunError  `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Usage holds the monotonically increasing consumption counters for a run.
// Counters only ever grow; they are compared against the budget before and
// after every step.
type Usage struct {
	InputTokens    int64   `json:"input_tokens"`
	OutputTokens   int64   `json:"output_tokens"`
	ThinkingTokens int64   `json:"thinking_tokens"`
	CostUSD        float64 `json:"cost_usd"`
	DurationMs     int64   `json:"duration_ms"`
	Steps          int     `json:"steps"`
	ToolCalls      int     `json:"tool_calls"`
	Downgrades     int     `json:"downgrades"`
}

// TotalTokens is input + output + thinking.
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens + u.ThinkingTokens
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(d Usage) {
	u.InputTokens += d.InputTokens
	u.OutputTokens += d.OutputTokens
	u.ThinkingTokens += d.ThinkingTokens
	u.CostUSD += d.CostUSD
	u.DurationMs += d.DurationMs
	u.Steps += d.Steps
	u.ToolCalls += d.ToolCalls
	u.Downgrades += d.Downgrades
}
