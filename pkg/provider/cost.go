package provider

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/modelmux/modelmux/pkg/types"
)

// Per-1k-token USD prices for cloud models. Local instances cost nothing.
type modelPricing struct {
	promptPer1k     decimal.Decimal
	completionPer1k decimal.Decimal
}

var cloudPricing = map[string]modelPricing{
	"gpt-4o":      {promptPer1k: decimal.NewFromFloat(0.0025), completionPer1k: decimal.NewFromFloat(0.01)},
	"gpt-4o-mini": {promptPer1k: decimal.NewFromFloat(0.00015), completionPer1k: decimal.NewFromFloat(0.0006)},
	"gpt-4":       {promptPer1k: decimal.NewFromFloat(0.03), completionPer1k: decimal.NewFromFloat(0.06)},
	"gpt-3.5":     {promptPer1k: decimal.NewFromFloat(0.0005), completionPer1k: decimal.NewFromFloat(0.0015)},
}

var defaultCloudPricing = modelPricing{
	promptPer1k:     decimal.NewFromFloat(0.001),
	completionPer1k: decimal.NewFromFloat(0.002),
}

// approxTokensPerChar is the usual rough prompt-token heuristic of four
// characters per token.
const approxCharsPerToken = 4

// EstimateCost is a pure upper-bound estimate of the USD cost of one request
// against the given instance kind. Prompt tokens are approximated from the
// prompt length; completion tokens assume the full MaxTokens budget is spent.
func EstimateCost(req *types.InferenceRequest, kind types.InstanceKind) decimal.Decimal {
	if kind == types.InstanceKindLocal {
		return decimal.Zero
	}

	// Longest-prefix match keeps gpt-4o from resolving to the gpt-4 tier.
	pricing := defaultCloudPricing
	best := -1
	for prefix, p := range cloudPricing {
		if strings.HasPrefix(req.ModelID, prefix) && len(prefix) > best {
			pricing = p
			best = len(prefix)
		}
	}

	promptTokens := decimal.NewFromInt(int64((len(req.Prompt) + len(req.SystemPrompt)) / approxCharsPerToken))
	completionTokens := decimal.NewFromInt(int64(req.MaxTokens))
	perThousand := decimal.NewFromInt(1000)

	promptCost := pricing.promptPer1k.Mul(promptTokens).Div(perThousand)
	completionCost := pricing.completionPer1k.Mul(completionTokens).Div(perThousand)
	return promptCost.Add(completionCost)
}
