package llm

import "github.com/yshimada/llmrouter/internal/config"

// Pricer computes the cost of a completed request at the adapter
// boundary. Pricing is USD per million tokens; the FX rate converts to
// the operator's display currency.
type Pricer struct {
	Pricing        config.ModelPricing // this model's pricing (zero for local)
	CloudReference config.ModelPricing // default cloud pricing, for savings on local requests
	FXRate         float64
	Local          bool
}

// Price returns (cost, savedCost) for a token usage pair. Local backends
// cost nothing but still report the would-have-been cloud cost so the
// savings statistic stays meaningful.
func (p Pricer) Price(tokensIn, tokensOut int) (cost, saved float64) {
	fx := p.FXRate
	if fx <= 0 {
		fx = 1.0
	}

	if p.Local {
		saved = tokenCost(p.CloudReference, tokensIn, tokensOut) * fx
		return 0, saved
	}
	return tokenCost(p.Pricing, tokensIn, tokensOut) * fx, 0
}

func tokenCost(pricing config.ModelPricing, tokensIn, tokensOut int) float64 {
	return float64(tokensIn)/1e6*pricing.Input + float64(tokensOut)/1e6*pricing.Output
}
