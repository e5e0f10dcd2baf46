package model

import (
	"fmt"
	"regexp"
	"time"
)

// MaxInputLen bounds the input payload accepted on execute requests so a
// single oversized field cannot fill Postgres TEXT columns with
// caller-controlled garbage.
const MaxInputLen = 256 * 1024 // 256 KB

// MaxIdempotencyKeyLen bounds the caller-supplied idempotency key.
const MaxIdempotencyKeyLen = 200

var agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// ValidateAgentID checks that an agent id is non-empty and well-formed.
func ValidateAgentID(id string) error {
	if !agentIDPattern.MatchString(id) {
		return fmt.Errorf("agent_id must match %s", agentIDPattern.String())
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail describes an API error. Callers branch on Code and Retryable,
// never on message text.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Details   any    `json:"details,omitempty"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecuteRequest is the body for POST /v1/execute and POST /v1/stream.
type ExecuteRequest struct {
	AgentID        string  `json:"agent_id"`
	Input          string  `json:"input"`
	IdempotencyKey string  `json:"idempotency_key"`
	Budget         *Budget `json:"budget,omitempty"`
	EffortLevel    Effort  `json:"effort_level,omitempty"`
	TraceID        *string `json:"trace_id,omitempty"`
	TenantID       *string `json:"tenant_id,omitempty"`
	UserID         *string `json:"user_id,omitempty"`
}

// Validate checks the execute request fields.
func (r ExecuteRequest) Validate() error {
	if err := ValidateAgentID(r.AgentID); err != nil {
		return err
	}
	if r.IdempotencyKey == "" {
		return fmt.Errorf("idempotency_key is required")
	}
	if len(r.IdempotencyKey) > MaxIdempotencyKeyLen {
		return fmt.Errorf("idempotency_key exceeds maximum length of %d", MaxIdempotencyKeyLen)
	}
	if len(r.Input) > MaxInputLen {
		return fmt.Errorf("input exceeds maximum length of %d bytes", MaxInputLen)
	}
	if r.EffortLevel != "" && !r.EffortLevel.Valid() {
		return fmt.Errorf("effort_level must be one of minimal, low, medium, high, maximum")
	}
	if r.Budget != nil {
		if err := r.Budget.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteResponse is the body returned by POST /v1/execute.
type ExecuteResponse struct {
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	Result    *string   `json:"result,omitempty"`
	Reasoning *string   `json:"reasoning,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
	Usage     Usage     `json:"usage"`
}

// ProxyRequest is the payload forwarded to an external agent's /execute and
// /stream endpoints.
type ProxyRequest struct {
	RunID   string         `json:"run_id"`
	AgentID string         `json:"agent_id"`
	Input   string         `json:"input"`
	Model   string         `json:"model,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// ProxyResponse is the payload an external agent returns from /execute.
type ProxyResponse struct {
	Output       string         `json:"output"`
	InputTokens  int64          `json:"input_tokens,omitempty"`
	OutputTokens int64          `json:"output_tokens,omitempty"`
	CostUSD      float64        `json:"cost_usd,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// AuthTokenRequest is the body for POST /v1/auth/token.
type AuthTokenRequest struct {
	ClientID string `json:"client_id"`
	APIKey   string `json:"api_key"`
}

// AuthTokenResponse carries a signed JWT and its expiry.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ApprovalRequest is the body for POST /v1/runs/{run_id}/approval.
type ApprovalRequest struct {
	Approved bool    `json:"approved"`
	Reason   *string `json:"reason,omitempty"`
}

// HealthResponse is the body returned by GET /healthz.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Broker   string `json:"job_event_broker,omitempty"`
	Agents   int    `json:"external_agents"`
	Uptime   int64  `json:"uptime_seconds"`
}

// Provenance is one append-only audit record for a model/tool invocation.
// Prompt, arguments, and result are stored as hashes, never raw content by
// default.
type Provenance struct {
	ID         int64          `json:"id"`
	TraceID    string         `json:"trace_id"`
	RunID      string         `json:"run_id"`
	StepIndex  int            `json:"step_index"`
	Kind       string         `json:"kind"`   // llm_call, tool_call, ...
	Target     string         `json:"target"` // model or tool name
	PromptHash string         `json:"prompt_hash"`
	ArgsHash   string         `json:"args_hash,omitempty"`
	ResultHash string         `json:"result_hash,omitempty"`
	CostUSD    float64        `json:"cost_usd"`
	DurationMs int64          `json:"duration_ms"`
	Extra      map[string]any `json:"extra,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}
