package provider

import (
	"context"

	"github.com/sells-group/visibility-cli/internal/cost"
	"github.com/sells-group/visibility-cli/pkg/serpapi"
)

// aioProvider answers with Google's AI Overview for the prompt as a query.
type aioProvider struct {
	client serpapi.Client
	costs  *cost.Calculator
}

// NewAIO wraps a SerpApi client as a Provider.
func NewAIO(client serpapi.Client, costs *cost.Calculator) Provider {
	return &aioProvider{client: client, costs: costs}
}

func newAIOFromEnv(_ context.Context, apiKey string, env Env, _ string) (Provider, error) {
	sc := env.Config.SerpAPI
	client := serpapi.NewClient(apiKey, serpapi.WithBaseURL(sc.BaseURL), serpapi.WithLocation(sc.Location))
	return NewAIO(client, env.Costs), nil
}

func (p *aioProvider) Kind() Kind { return KindAIO }

func (p *aioProvider) Ask(ctx context.Context, prompt string) (*Response, error) {
	ov, err := p.client.AIOverview(ctx, prompt)
	if err != nil {
		return nil, err
	}

	return &Response{
		AnswerText: ov.Text(),
		CostCents:  cost.Cents(p.costs.SerpAPIUSD()),
		Meta: Meta{
			Provider:  KindAIO,
			Model:     "google-ai-overview",
			Citations: ov.Links(),
		},
	}, nil
}
