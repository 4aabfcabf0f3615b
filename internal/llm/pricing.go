package llm

import "strings"

// Price is the USD cost per million tokens.
type Price struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Pricing maps model identifiers to prices.
type Pricing map[string]Price

// DefaultPricing covers the models the pipeline is normally run with.
// Local models are free.
func DefaultPricing() Pricing {
	return Pricing{
		"gpt-4o-mini":      {InputPerMTok: 0.15, OutputPerMTok: 0.60},
		"gpt-4o":           {InputPerMTok: 2.50, OutputPerMTok: 10.00},
		"gpt-4.1-mini":     {InputPerMTok: 0.40, OutputPerMTok: 1.60},
		"gemini-1.5-flash": {InputPerMTok: 0.075, OutputPerMTok: 0.30},
	}
}

// Cost returns the cost of usage for model and whether the model was priced.
// Provider prefixes ("openai/gpt-4o-mini") and dated suffixes
// ("gpt-4o-mini-2024-07-18") resolve to the base entry.
func (p Pricing) Cost(model string, u Usage) (float64, bool) {
	price, ok := p.lookup(model)
	if !ok {
		return 0, false
	}
	return float64(u.InputTokens)*price.InputPerMTok/1e6 + float64(u.OutputTokens)*price.OutputPerMTok/1e6, true
}

func (p Pricing) lookup(model string) (Price, bool) {
	m := strings.ToLower(model)
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	if price, ok := p[m]; ok {
		return price, true
	}
	// Longest prefix wins so "gpt-4o-mini-2024" doesn't match "gpt-4o".
	best := ""
	for name := range p {
		if strings.HasPrefix(m, name+"-") && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return Price{}, false
	}
	return p[best], true
}
