package budget

import (
	"fmt"
	"sort"
	"time"

	"github.com/kaname-ai/kaname/internal/fault"
	"github.com/kaname-ai/kaname/internal/model"
)

// Config configures a Controller.
type Config struct {
	// Models is the available catalog. Empty means the default catalog.
	Models []ModelPrice
}

// Controller is the budget and degradation controller. It is stateless with
// respect to runs (all consumption lives on the Run), so one instance serves
// every concurrent run.
type Controller struct {
	// byModel indexes the catalog; tiers holds one representative model per
	// tier, ordered cheapest first.
	byModel map[string]ModelPrice
	tiers   []ModelPrice
}

// New creates a Controller from the given catalog (or the default one).
func New(cfg Config) (*Controller, error) {
	models := cfg.Models
	if len(models) == 0 {
		models = defaultModels
	}
	c := &Controller{byModel: make(map[string]ModelPrice, len(models))}
	for _, m := range models {
		if m.Model == "" || m.Tier == 0 {
			return nil, fmt.Errorf("budget: model entry missing name or tier")
		}
		if _, dup := c.byModel[m.Model]; dup {
			return nil, fmt.Errorf("budget: duplicate model %q", m.Model)
		}
		c.byModel[m.Model] = m
		c.tiers = append(c.tiers, m)
	}
	sort.Slice(c.tiers, func(i, j int) bool { return c.tiers[i].Tier < c.tiers[j].Tier })
	return c, nil
}

// ModelForEffort returns the default model and thinking-token allowance for
// an effort level. An explicit budget MaxThinkingTokens lowers the allowance
// but never raises it.
func (c *Controller) ModelForEffort(effort model.Effort, b model.Budget) (string, int64, error) {
	preset, ok := effortPresets[effort]
	if !ok {
		return "", 0, fault.Newf(fault.CodeInvalidInput, "unknown effort level %q", effort)
	}
	m, err := c.modelAtTier(preset.tier)
	if err != nil {
		return "", 0, err
	}
	thinking := preset.thinkingTokens
	if b.MaxThinkingTokens > 0 && b.MaxThinkingTokens < thinking {
		thinking = b.MaxThinkingTokens
	}
	return m.Model, thinking, nil
}

// modelAtTier returns the cheapest catalog model at or below the tier.
func (c *Controller) modelAtTier(tier model.ModelTier) (ModelPrice, error) {
	var best *ModelPrice
	for i := range c.tiers {
		m := c.tiers[i]
		if m.Tier <= tier && (best == nil || m.Tier > best.Tier) {
			best = &m
		}
	}
	if best == nil {
		return ModelPrice{}, fault.Newf(fault.CodeInternal, "no model available at tier %s", tier)
	}
	return *best, nil
}

// Tier returns the tier of a known model.
func (c *Controller) Tier(modelName string) (model.ModelTier, error) {
	m, ok := c.byModel[modelName]
	if !ok {
		return 0, fault.Newf(fault.CodeInvalidInput, "unknown model %q", modelName)
	}
	return m.Tier, nil
}

// EstimateCost deterministically prices a call on the given model. Thinking
// tokens are billed at the output rate.
func (c *Controller) EstimateCost(modelName string, inputTokens, outputTokens, thinkingTokens int64) (float64, error) {
	m, ok := c.byModel[modelName]
	if !ok {
		return 0, fault.Newf(fault.CodeInvalidInput, "unknown model %q", modelName)
	}
	cost := float64(inputTokens)*m.InputPerMillion/1e6 +
		float64(outputTokens+thinkingTokens)*m.OutputPerMillion/1e6
	return cost, nil
}

// CanContinue reports whether the run may start another step. A nil result
// means yes; otherwise it is a NonRetryable BudgetExceeded fault naming the
// first exceeded resource.
func (c *Controller) CanContinue(run *model.Run) *fault.Error {
	b, u := run.Budget, run.Consumed
	exceeded := func(resource string) *fault.Error {
		e := fault.Newf(fault.CodeBudgetExceeded, "budget exceeded: %s", resource)
		e.Details = map[string]any{"resource": resource}
		return e
	}
	switch {
	case b.MaxTokens > 0 && u.TotalTokens() >= b.MaxTokens:
		return exceeded("tokens")
	case b.MaxCostUSD > 0 && u.CostUSD >= b.MaxCostUSD:
		return exceeded("cost")
	case b.MaxDurationMs > 0 && u.DurationMs >= b.MaxDurationMs:
		return exceeded("duration")
	case b.MaxSteps > 0 && u.Steps >= b.MaxSteps:
		return exceeded("steps")
	case b.MaxToolCalls > 0 && u.ToolCalls >= b.MaxToolCalls:
		return exceeded("tool_calls")
	}
	return nil
}

// PreFlight rejects a run whose estimated first call already busts the
// budget, before any work starts.
func (c *Controller) PreFlight(run *model.Run, estInputTokens, estOutputTokens int64, estDuration time.Duration) *fault.Error {
	est, err := c.EstimateCost(run.CurrentModel, estInputTokens, estOutputTokens, 0)
	if err != nil {
		return fault.Classify(err)
	}
	if run.Budget.MaxCostUSD > 0 && est > run.Budget.MaxCostUSD {
		e := fault.Newf(fault.CodePreFlightRejected,
			"estimated cost $%.4f exceeds budget $%.4f", est, run.Budget.MaxCostUSD)
		e.Details = map[string]any{"estimated_cost_usd": est, "max_cost_usd": run.Budget.MaxCostUSD}
		return e
	}
	if run.Budget.MaxDurationMs > 0 && estDuration > run.Budget.MaxDuration() {
		return fault.Newf(fault.CodePreFlightRejected,
			"estimated duration %s exceeds budget %s", estDuration, run.Budget.MaxDuration())
	}
	return nil
}

// ShouldDowngrade decides whether a downgrade applies, and to which model.
// It returns ("", false) when downgrade is disallowed, already at the floor,
// or not warranted. degradable is the Degradable fault that triggered the
// check, or nil when the caller is probing for budget-pressure downgrade.
func (c *Controller) ShouldDowngrade(run *model.Run, degradable *fault.Error) (string, bool) {
	if !run.Budget.AllowModelDowngrade {
		return "", false
	}
	cur, ok := c.byModel[run.CurrentModel]
	if !ok {
		return "", false
	}

	// Walk exactly one tier down.
	next, err := c.modelAtTier(cur.Tier - 1)
	if err != nil || next.Tier >= cur.Tier {
		return "", false
	}

	// Never cross the configured floor.
	if run.Budget.MinimumModel != "" {
		floor, ok := c.byModel[run.Budget.MinimumModel]
		if ok && next.Tier < floor.Tier {
			return "", false
		}
	}

	if degradable != nil && degradable.Kind == fault.Degradable {
		return next.Model, true
	}

	// Budget pressure: remaining cost headroom cannot fund another call at
	// the current tier but can at the cheaper one.
	if run.Budget.MaxCostUSD > 0 {
		remaining := run.Budget.MaxCostUSD - run.Consumed.CostUSD
		curCost, err1 := c.EstimateCost(cur.Model, typicalInputTokens, typicalOutputTokens, 0)
		nextCost, err2 := c.EstimateCost(next.Model, typicalInputTokens, typicalOutputTokens, 0)
		if err1 == nil && err2 == nil && remaining < curCost && remaining >= nextCost {
			return next.Model, true
		}
	}
	return "", false
}

// Typical per-call token volumes used for budget-pressure estimates.
const (
	typicalInputTokens  = 2000
	typicalOutputTokens = 1000
)
