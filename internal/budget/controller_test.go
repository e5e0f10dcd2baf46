package budget_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaname-ai/kaname/internal/budget"
	"github.com/kaname-ai/kaname/internal/fault"
	"github.com/kaname-ai/kaname/internal/model"
)

func newController(t *testing.T) *budget.Controller {
	t.Helper()
	c, err := budget.New(budget.Config{})
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadCatalog(t *testing.T) {
	_, err := budget.New(budget.Config{Models: []budget.ModelPrice{{Model: "", Tier: model.TierFast}}})
	assert.Error(t, err)

	_, err = budget.New(budget.Config{Models: []budget.ModelPrice{
		{Model: "x", Tier: model.TierFast, InputPerMillion: 1, OutputPerMillion: 2},
		{Model: "x", Tier: model.TierStandard, InputPerMillion: 1, OutputPerMillion: 2},
	}})
	assert.Error(t, err)
}

func TestModelForEffort(t *testing.T) {
	c := newController(t)

	cases := []struct {
		effort   model.Effort
		model    string
		thinking int64
	}{
		{model.EffortMinimal, "atlas-lite", 0},
		{model.EffortLow, "atlas-core", 1024},
		{model.EffortMedium, "atlas-core", 4096},
		{model.EffortHigh, "atlas-pro", 16384},
		{model.EffortMaximum, "atlas-pro", 32768},
	}
	for _, tc := range cases {
		t.Run(string(tc.effort), func(t *testing.T) {
			m, thinking, err := c.ModelForEffort(tc.effort, model.Budget{})
			require.NoError(t, err)
			assert.Equal(t, tc.model, m)
			assert.Equal(t, tc.thinking, thinking)
		})
	}

	_, _, err := c.ModelForEffort("frantic", model.Budget{})
	require.Error(t, err)
	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fault.CodeInvalidInput, fe.Code)
}

func TestModelForEffortCapsThinkingTokens(t *testing.T) {
	c := newController(t)

	// An explicit budget cap lowers the allowance.
	_, thinking, err := c.ModelForEffort(model.EffortHigh, model.Budget{MaxThinkingTokens: 2048})
	require.NoError(t, err)
	assert.Equal(t, int64(2048), thinking)

	// But never raises it.
	_, thinking, err = c.ModelForEffort(model.EffortLow, model.Budget{MaxThinkingTokens: 99999})
	require.NoError(t, err)
	assert.Equal(t, int64(1024), thinking)
}

func TestEstimateCost(t *testing.T) {
	c := newController(t)

	// atlas-core: $2.50/M input, $10/M output; thinking bills as output.
	cost, err := c.EstimateCost("atlas-core", 1_000_000, 500_000, 500_000)
	require.NoError(t, err)
	assert.InDelta(t, 2.5+10.0, cost, 1e-9)

	_, err = c.EstimateCost("gpt-nonexistent", 1, 1, 0)
	assert.Error(t, err)
}

func TestCanContinueChecksEveryResource(t *testing.T) {
	c := newController(t)

	run := &model.Run{
		Budget: model.Budget{
			MaxTokens:     1000,
			MaxCostUSD:    1.0,
			MaxDurationMs: 60_000,
			MaxSteps:      10,
			MaxToolCalls:  5,
		},
	}
	assert.Nil(t, c.CanContinue(run))

	cases := []struct {
		name     string
		mutate   func(*model.Usage)
		resource string
	}{
		{"tokens", func(u *model.Usage) { u.InputTokens = 600; u.OutputTokens = 400 }, "tokens"},
		{"cost", func(u *model.Usage) { u.CostUSD = 1.0 }, "cost"},
		{"duration", func(u *model.Usage) { u.DurationMs = 60_000 }, "duration"},
		{"steps", func(u *model.Usage) { u.Steps = 10 }, "steps"},
		{"tool_calls", func(u *model.Usage) { u.ToolCalls = 5 }, "tool_calls"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := *run
			r.Consumed = model.Usage{}
			tc.mutate(&r.Consumed)
			e := c.CanContinue(&r)
			require.NotNil(t, e)
			assert.Equal(t, fault.CodeBudgetExceeded, e.Code)
			assert.Equal(t, tc.resource, e.Details["resource"])
			assert.False(t, e.IsRetryable())
		})
	}
}

func TestCanContinueUnlimitedBudget(t *testing.T) {
	c := newController(t)
	run := &model.Run{Consumed: model.Usage{InputTokens: 1 << 40, CostUSD: 1e9}}
	assert.Nil(t, c.CanContinue(run))
}

func TestPreFlightRejectsUnaffordableRun(t *testing.T) {
	c := newController(t)

	run := &model.Run{
		CurrentModel: "atlas-pro",
		Budget:       model.Budget{MaxCostUSD: 0.001},
	}
	e := c.PreFlight(run, 10_000, 10_000, 0)
	require.NotNil(t, e)
	assert.Equal(t, fault.CodePreFlightRejected, e.Code)
	assert.Contains(t, e.Details, "estimated_cost_usd")

	// A budget that covers the estimate passes.
	run.Budget.MaxCostUSD = 10
	assert.Nil(t, c.PreFlight(run, 10_000, 10_000, 0))
}

func TestPreFlightRejectsOverlongRun(t *testing.T) {
	c := newController(t)
	run := &model.Run{
		CurrentModel: "atlas-lite",
		Budget:       model.Budget{MaxDurationMs: 1000},
	}
	e := c.PreFlight(run, 10, 10, 5*time.Second)
	require.NotNil(t, e)
	assert.Equal(t, fault.CodePreFlightRejected, e.Code)

	assert.Nil(t, c.PreFlight(run, 10, 10, 500*time.Millisecond))
}

func TestShouldDowngradeOnDegradableFault(t *testing.T) {
	c := newController(t)
	degradable := fault.Degraded(fault.CodeModelOverloaded, "overloaded", "", "")

	run := &model.Run{
		CurrentModel: "atlas-pro",
		Budget:       model.Budget{AllowModelDowngrade: true},
	}
	next, ok := c.ShouldDowngrade(run, degradable)
	require.True(t, ok)
	assert.Equal(t, "atlas-core", next)

	// One tier at a time: core drops to lite, not past it.
	run.CurrentModel = "atlas-core"
	next, ok = c.ShouldDowngrade(run, degradable)
	require.True(t, ok)
	assert.Equal(t, "atlas-lite", next)

	// At the bottom there is nowhere to go.
	run.CurrentModel = "atlas-lite"
	_, ok = c.ShouldDowngrade(run, degradable)
	assert.False(t, ok)
}

func TestShouldDowngradeDisallowed(t *testing.T) {
	c := newController(t)
	degradable := fault.Degraded(fault.CodeModelOverloaded, "overloaded", "", "")

	run := &model.Run{CurrentModel: "atlas-pro", Budget: model.Budget{AllowModelDowngrade: false}}
	_, ok := c.ShouldDowngrade(run, degradable)
	assert.False(t, ok)
}

func TestShouldDowngradeHonorsMinimumModel(t *testing.T) {
	c := newController(t)
	degradable := fault.Degraded(fault.CodeModelOverloaded, "overloaded", "", "")

	run := &model.Run{
		CurrentModel: "atlas-core",
		Budget:       model.Budget{AllowModelDowngrade: true, MinimumModel: "atlas-core"},
	}
	_, ok := c.ShouldDowngrade(run, degradable)
	assert.False(t, ok)

	run.Budget.MinimumModel = "atlas-lite"
	next, ok := c.ShouldDowngrade(run, degradable)
	require.True(t, ok)
	assert.Equal(t, "atlas-lite", next)
}

func TestShouldDowngradeUnderBudgetPressure(t *testing.T) {
	c := newController(t)

	// Remaining headroom funds a typical atlas-core call but not an
	// atlas-pro one: 2000 in + 1000 out costs $0.084 on pro, $0.015 on core.
	run := &model.Run{
		CurrentModel: "atlas-pro",
		Budget:       model.Budget{AllowModelDowngrade: true, MaxCostUSD: 0.10},
		Consumed:     model.Usage{CostUSD: 0.05},
	}
	next, ok := c.ShouldDowngrade(run, nil)
	require.True(t, ok)
	assert.Equal(t, "atlas-core", next)

	// Plenty of headroom: stay on the premium model.
	run.Consumed.CostUSD = 0
	_, ok = c.ShouldDowngrade(run, nil)
	assert.False(t, ok)
}
