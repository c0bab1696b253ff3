package provider

import (
	"context"

	"github.com/sells-group/visibility-cli/internal/cost"
	"github.com/sells-group/visibility-cli/pkg/gemini"
)

type geminiProvider struct {
	client gemini.Client
	model  string
	costs  *cost.Calculator
}

// NewGemini wraps a Gemini client as a Provider.
func NewGemini(client gemini.Client, model string, costs *cost.Calculator) Provider {
	return &geminiProvider{client: client, model: model, costs: costs}
}

func newGeminiFromEnv(ctx context.Context, apiKey string, env Env, model string) (Provider, error) {
	client, err := gemini.NewClient(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	return NewGemini(client, pick(model, env.Config.Gemini.Model), env.Costs), nil
}

func (p *geminiProvider) Kind() Kind { return KindGemini }

func (p *geminiProvider) Ask(ctx context.Context, prompt string) (*Response, error) {
	resp, err := p.client.Generate(ctx, gemini.GenerateRequest{Model: p.model, Prompt: prompt})
	if err != nil {
		return nil, err
	}

	return &Response{
		AnswerText: resp.Text,
		CostCents:  cost.Cents(p.costs.TokensUSD(p.model, resp.InputTokens, resp.OutputTokens)),
		Meta: Meta{
			Provider:     KindGemini,
			Model:        p.model,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
		},
	}, nil
}

func (p *geminiProvider) Close() error {
	return p.client.Close()
}
