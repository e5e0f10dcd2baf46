// Package budget gates every step of a run against its budget and picks the
// model and effort to use, applying tier-walking downgrade when permitted.
package budget

import (
	"github.com/kaname-ai/kaname/internal/model"
)

// ModelPrice is the per-model price card. Prices are USD per million tokens;
// thinking tokens bill at the output rate.
type ModelPrice struct {
	Model           string
	Tier            model.ModelTier
	InputPerMillion float64
	OutputPerMillion float64
}

// Default model catalog, ordered premium → standard → fast. Deployments
// override via Config.Models.
var defaultModels = []ModelPrice{
	{Model: "atlas-pro", Tier: model.TierPremium, InputPerMillion: 12.0, OutputPerMillion: 60.0},
	{Model: "atlas-core", Tier: model.TierStandard, InputPerMillion: 2.5, OutputPerMillion: 10.0},
	{Model: "atlas-lite", Tier: model.TierFast, InputPerMillion: 0.4, OutputPerMillion: 1.6},
}

// effortPreset maps an effort level to its default model tier and thinking
// token allowance.
type effortPreset struct {
	tier           model.ModelTier
	thinkingTokens int64
}

var effortPresets = map[model.Effort]effortPreset{
	model.EffortMinimal: {tier: model.TierFast, thinkingTokens: 0},
	model.EffortLow:     {tier: model.TierStandard, thinkingTokens: 1024},
	model.EffortMedium:  {tier: model.TierStandard, thinkingTokens: 4096},
	model.EffortHigh:    {tier: model.TierPremium, thinkingTokens: 16384},
	model.EffortMaximum: {tier: model.TierPremium, thinkingTokens: 32768},
}
