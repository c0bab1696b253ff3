package provider

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/cost"
	"github.com/sells-group/visibility-cli/pkg/perplexity"
)

type perplexityProvider struct {
	client perplexity.Client
	model  string
	costs  *cost.Calculator
}

// NewPerplexity wraps a Perplexity client as a Provider.
func NewPerplexity(client perplexity.Client, model string, costs *cost.Calculator) Provider {
	return &perplexityProvider{client: client, model: model, costs: costs}
}

func newPerplexityFromEnv(_ context.Context, apiKey string, env Env, model string) (Provider, error) {
	pc := env.Config.Perplexity
	m := pick(model, pc.Model)
	client := perplexity.NewClient(apiKey, perplexity.WithBaseURL(pc.BaseURL), perplexity.WithModel(m))
	return NewPerplexity(client, m, env.Costs), nil
}

func (p *perplexityProvider) Kind() Kind { return KindPerplexity }

func (p *perplexityProvider) Ask(ctx context.Context, prompt string) (*Response, error) {
	resp, err := p.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Model:    p.model,
		Messages: []perplexity.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}
	text := resp.Text()
	if text == "" {
		return nil, eris.New("perplexity: empty answer")
	}

	in, out := int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens)
	return &Response{
		AnswerText: text,
		CostCents:  cost.Cents(p.costs.PerplexityUSD(p.model, in, out)),
		Meta: Meta{
			Provider:     KindPerplexity,
			Model:        pick(resp.Model, p.model),
			InputTokens:  in,
			OutputTokens: out,
			Citations:    resp.SourceURLs(),
		},
	}, nil
}
