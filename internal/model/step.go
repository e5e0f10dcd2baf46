package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StepType is the kind of work a step performed.
type StepType string

const (
	StepTypeLLMCall      StepType = "llm_call"
	StepTypeToolCall     StepType = "tool_call"
	StepTypeToolSearch   StepType = "tool_search"
	StepTypeApprovalWait StepType = "approval_wait"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepTypeLLMCall, StepTypeToolCall, StepTypeToolSearch, StepTypeApprovalWait:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// Step is one unit of work inside a run. Its idempotency key is derived from
// the run key and index, so a retried run never creates duplicate steps.
//
// Inputs and outputs are stored as content hashes by default; the raw
// payloads are debug-only fields populated only when payload retention is
// explicitly enabled for the deployment.
type Step struct {
	ID             uuid.UUID  `json:"id"`
	RunID          uuid.UUID  `json:"run_id"`
	Index          int        `json:"index"`
	IdempotencyKey string     `json:"idempotency_key"`
	Type           StepType   `json:"type"`
	Target         string     `json:"target"` // model name for llm_call, tool name for tool_call
	Status         StepStatus `json:"status"`
	InputHash      string     `json:"input_hash"`
	OutputHash     string     `json:"output_hash,omitempty"`
	Input          *string    `json:"input,omitempty"`
	Output         *string    `json:"output,omitempty"`

	// SideEffectCommitted records, for tool calls only, whether an external
	// effect was actually produced. A step may be retried for a transport
	// failure only if this is false or the tool is declared idempotent.
	SideEffectCommitted bool `json:"side_effect_committed"`

	InputTokens    int64      `json:"input_tokens"`
	OutputTokens   int64      `json:"output_tokens"`
	ThinkingTokens int64      `json:"thinking_tokens"`
	CostUSD        float64    `json:"cost_usd"`
	DurationMs     int64      `json:"duration_ms"`
	ErrorCode      *string    `json:"error_code,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// StepKey derives the deterministic idempotency key for a step from the run's
// idempotency key and the step index.
func StepKey(runKey string, index int) string {
	return fmt.Sprintf("%s#%d", runKey, index)
}
