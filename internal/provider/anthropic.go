package provider

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/cost"
	"github.com/sells-group/visibility-cli/pkg/anthropic"
)

const defaultAnthropicMaxTokens = 2048

type anthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	costs     *cost.Calculator
}

// NewAnthropic wraps an Anthropic client as a Provider.
func NewAnthropic(client anthropic.Client, model string, maxTokens int64, costs *cost.Calculator) Provider {
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &anthropicProvider{client: client, model: model, maxTokens: maxTokens, costs: costs}
}

func newAnthropicFromEnv(_ context.Context, apiKey string, env Env, model string) (Provider, error) {
	ac := env.Config.Anthropic
	return NewAnthropic(anthropic.NewClient(apiKey), pick(model, ac.Model), ac.MaxTokens, env.Costs), nil
}

func (p *anthropicProvider) Kind() Kind { return KindAnthropic }

func (p *anthropicProvider) Ask(ctx context.Context, prompt string) (*Response, error) {
	resp, err := p.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}
	text := resp.Text()
	if text == "" {
		return nil, eris.New("anthropic: empty answer")
	}

	return &Response{
		AnswerText: text,
		CostCents:  cost.Cents(p.costs.TokensUSD(p.model, resp.Usage.InputTokens, resp.Usage.OutputTokens)),
		Meta: Meta{
			Provider:     KindAnthropic,
			Model:        pick(resp.Model, p.model),
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}
