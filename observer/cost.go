package observer

import gro "github.com/nevindra/gro"

// CostCalculator computes USD cost from token usage. Pricing starts from
// gro.DefaultPrices; overrides can replace or extend any model entry.
type CostCalculator struct {
	prices map[string]gro.ModelPrice
}

// NewCostCalculator creates a calculator with default pricing, optionally
// merged with overrides.
func NewCostCalculator(overrides map[string]gro.ModelPrice) *CostCalculator {
	merged := make(map[string]gro.ModelPrice, len(gro.DefaultPrices)+len(overrides))
	for k, v := range gro.DefaultPrices {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return &CostCalculator{prices: merged}
}

// Calculate returns the cost in USD for the given model and usage, cache
// traffic included. Returns 0.0 for unknown models.
func (c *CostCalculator) Calculate(model string, u gro.Usage) float64 {
	p, ok := c.prices[model]
	if !ok {
		return 0.0
	}
	const mtok = 1_000_000.0
	return float64(u.InputTokens)/mtok*p.Input +
		float64(u.OutputTokens)/mtok*p.Output +
		float64(u.CacheWriteTokens)/mtok*p.CacheWrite +
		float64(u.CacheReadTokens)/mtok*p.CacheRead
}
