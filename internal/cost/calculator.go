// Package cost converts provider usage into integer cents.
package cost

import "math"

// Rates holds per-provider pricing configuration.
type Rates struct {
	// Models maps a model ID to its token pricing, across all providers.
	Models     map[string]ModelRate `yaml:"models" mapstructure:"models"`
	Perplexity PerplexityRate       `yaml:"perplexity" mapstructure:"perplexity"`
	SerpAPI    SerpAPIRate          `yaml:"serpapi" mapstructure:"serpapi"`
}

// ModelRate holds per-model token pricing in USD per million tokens.
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// PerplexityRate holds the flat per-request fee charged on top of tokens.
type PerplexityRate struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// SerpAPIRate holds AI Overview search pricing.
type SerpAPIRate struct {
	PerSearch float64 `yaml:"per_search" mapstructure:"per_search"`
}

// Calculator computes costs for provider usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates. Missing model
// entries fall back to DefaultRates.
func NewCalculator(rates Rates) *Calculator {
	def := DefaultRates()
	if rates.Models == nil {
		rates.Models = map[string]ModelRate{}
	}
	for model, r := range def.Models {
		if _, ok := rates.Models[model]; !ok {
			rates.Models[model] = r
		}
	}
	if rates.Perplexity.PerQuery == 0 {
		rates.Perplexity = def.Perplexity
	}
	if rates.SerpAPI.PerSearch == 0 {
		rates.SerpAPI = def.SerpAPI
	}
	return &Calculator{rates: rates}
}

// TokensUSD prices a chat completion. Unknown models cost 0.
func (c *Calculator) TokensUSD(model string, input, output int64) float64 {
	rate, ok := c.rates.Models[model]
	if !ok {
		return 0
	}
	return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
}

// PerplexityUSD prices a Perplexity request: tokens plus the per-query fee.
func (c *Calculator) PerplexityUSD(model string, input, output int64) float64 {
	return c.TokensUSD(model, input, output) + c.rates.Perplexity.PerQuery
}

// SerpAPIUSD returns the flat cost of one AI Overview search.
func (c *Calculator) SerpAPIUSD() float64 {
	return c.rates.SerpAPI.PerSearch
}

// Cents converts USD to integer cents, rounding any fraction up so that
// tiny calls still count against daily budgets.
func Cents(usd float64) int64 {
	if usd <= 0 {
		return 0
	}
	// Guard float noise such as 0.0300000001 → 4.
	return int64(math.Ceil(math.Round(usd*100*1e6) / 1e6))
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Models: map[string]ModelRate{
			"gpt-4o":                     {Input: 2.50, Output: 10.00},
			"gpt-4o-mini":                {Input: 0.15, Output: 0.60},
			"gpt-4.1":                    {Input: 2.00, Output: 8.00},
			"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
			"sonar":                      {Input: 1.00, Output: 1.00},
			"sonar-pro":                  {Input: 3.00, Output: 15.00},
			"gemini-1.5-flash":           {Input: 0.075, Output: 0.30},
			"gemini-1.5-pro":             {Input: 1.25, Output: 5.00},
		},
		Perplexity: PerplexityRate{PerQuery: 0.005},
		SerpAPI:    SerpAPIRate{PerSearch: 0.015},
	}
}
