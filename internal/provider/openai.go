package provider

import (
	"context"

	"github.com/openai/openai-go/option"
	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/cost"
	"github.com/sells-group/visibility-cli/pkg/openai"
)

type openAIProvider struct {
	client openai.Client
	model  string
	costs  *cost.Calculator
}

// NewOpenAI wraps an OpenAI client as a Provider.
func NewOpenAI(client openai.Client, model string, costs *cost.Calculator) Provider {
	return &openAIProvider{client: client, model: model, costs: costs}
}

func newOpenAIFromEnv(_ context.Context, apiKey string, env Env, model string) (Provider, error) {
	oc := env.Config.OpenAI
	var opts []option.RequestOption
	if oc.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(oc.BaseURL))
	}
	return NewOpenAI(openai.NewClient(apiKey, opts...), pick(model, oc.Model), env.Costs), nil
}

func (p *openAIProvider) Kind() Kind { return KindOpenAI }

func (p *openAIProvider) Ask(ctx context.Context, prompt string) (*Response, error) {
	resp, err := p.client.Complete(ctx, openai.CompletionRequest{Model: p.model, Prompt: prompt})
	if err != nil {
		return nil, err
	}
	if resp.Text == "" {
		return nil, eris.New("openai: empty answer")
	}

	return &Response{
		AnswerText: resp.Text,
		CostCents:  cost.Cents(p.costs.TokensUSD(p.model, resp.InputTokens, resp.OutputTokens)),
		Meta: Meta{
			Provider:     KindOpenAI,
			Model:        pick(resp.Model, p.model),
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
		},
	}, nil
}
