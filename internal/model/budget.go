package model

import (
	"fmt"
	"time"
)

// Effort is the ordinal knob selecting default model strength and thinking
// token allowance for a run.
type Effort string

const (
	EffortMinimal Effort = "minimal"
	EffortLow     Effort = "low"
	EffortMedium  Effort = "medium"
	EffortHigh    Effort = "high"
	EffortMaximum Effort = "maximum"
)

// effortRank orders efforts for comparison. Unknown efforts rank below minimal.
var effortRank = map[Effort]int{
	EffortMinimal: 1,
	EffortLow:     2,
	EffortMedium:  3,
	EffortHigh:    4,
	EffortMaximum: 5,
}

// Valid reports whether e is a known effort level.
func (e Effort) Valid() bool {
	_, ok := effortRank[e]
	return ok
}

// ModelTier orders models by capability and price. Downgrade walks the tiers
// premium → standard → fast one step at a time.
type ModelTier int

const (
	TierFast ModelTier = iota + 1
	TierStandard
	TierPremium
)

func (t ModelTier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierStandard:
		return "standard"
	case TierPremium:
		return "premium"
	default:
		return "unknown"
	}
}

// Budget holds the per-run ceilings. Zero means "no limit" for that resource.
type Budget struct {
	MaxTokens         int64   `json:"max_tokens,omitempty"`
	MaxCostUSD        float64 `json:"max_cost_usd,omitempty"`
	MaxDurationMs     int64   `json:"max_duration_ms,omitempty"`
	MaxSteps          int     `json:"max_steps,omitempty"`
	MaxToolCalls      int     `json:"max_tool_calls,omitempty"`
	MaxThinkingTokens int64   `json:"max_thinking_tokens,omitempty"`

	// AllowModelDowngrade permits the controller to substitute a cheaper
	// model when budget runs short or a Degradable failure occurs.
	AllowModelDowngrade bool `json:"allow_model_downgrade,omitempty"`

	// MinimumModel, when set, is the floor: no downgrade may select a model
	// below its tier.
	MinimumModel string `json:"minimum_model,omitempty"`
}

// MaxDuration returns the wall-clock ceiling as a time.Duration.
func (b Budget) MaxDuration() time.Duration {
	return time.Duration(b.MaxDurationMs) * time.Millisecond
}

// Validate checks the budget invariants: every ceiling non-negative.
func (b Budget) Validate() error {
	if b.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be non-negative")
	}
	if b.MaxCostUSD < 0 {
		return fmt.Errorf("max_cost_usd must be non-negative")
	}
	if b.MaxDurationMs < 0 {
		return fmt.Errorf("max_duration_ms must be non-negative")
	}
	if b.MaxSteps < 0 {
		return fmt.Errorf("max_steps must be non-negative")
	}
	if b.MaxToolCalls < 0 {
		return fmt.Errorf("max_tool_calls must be non-negative")
	}
	if b.MaxThinkingTokens < 0 {
		return fmt.Errorf("max_thinking_tokens must be non-negative")
	}
	return nil
}

// Merge overlays the non-zero fields of o onto b and returns the result.
// Used to apply caller overrides on top of configured defaults.
func (b Budget) Merge(o Budget) Budget {
	out := b
	if o.MaxTokens > 0 {
		out.MaxTokens = o.MaxTokens
	}
	if o.MaxCostUSD > 0 {
		out.MaxCostUSD = o.MaxCostUSD
	}
	if o.MaxDurationMs > 0 {
		out.MaxDurationMs = o.MaxDurationMs
	}
	if o.MaxSteps > 0 {
		out.MaxSteps = o.MaxSteps
	}
	if o.MaxToolCalls > 0 {
		out.MaxToolCalls = o.MaxToolCalls
	}
	if o.MaxThinkingTokens > 0 {
		out.MaxThinkingTokens = o.MaxThinkingTokens
	}
	if o.AllowModelDowngrade {
		out.AllowModelDowngrade = true
	}
	if o.MinimumModel != "" {
		out.MinimumModel = o.MinimumModel
	}
	return out
}
