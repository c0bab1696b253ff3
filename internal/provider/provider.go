// Package provider adapts upstream answer engines behind a single Ask
// capability and routes prompts across them with fallback.
package provider

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/config"
	"github.com/sells-group/visibility-cli/internal/cost"
	"github.com/sells-group/visibility-cli/internal/model"
)

// Kind identifies one provider variant. Values match engine keys.
type Kind string

// Provider kinds.
const (
	KindOpenAI     Kind = model.EngineOpenAI
	KindAnthropic  Kind = model.EngineAnthropic
	KindPerplexity Kind = model.EnginePerplexity
	KindGemini     Kind = model.EngineGemini
	KindAIO        Kind = model.EngineAIO
)

// DefaultOrder is the deterministic order used after the primary hint.
var DefaultOrder = []Kind{KindOpenAI, KindAnthropic, KindPerplexity, KindGemini, KindAIO}

// ParseKind normalizes an engine key into a known Kind.
func ParseKind(s string) (Kind, bool) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := factories[k]
	return k, ok
}

// Response is the uniform answer returned by every provider.
type Response struct {
	AnswerText string `json:"answer_text"`
	CostCents  int64  `json:"cost_cents"`
	Meta       Meta   `json:"meta"`
}

// Meta describes how an answer was produced.
type Meta struct {
	Provider     Kind     `json:"provider"`
	Model        string   `json:"model,omitempty"`
	InputTokens  int64    `json:"input_tokens"`
	OutputTokens int64    `json:"output_tokens"`
	Citations    []string `json:"citations,omitempty"`
	LatencyMs    int64    `json:"latency_ms,omitempty"`

	Fallback       bool      `json:"fallback,omitempty"`
	FallbackReason string    `json:"fallback_reason,omitempty"`
	Attempts       []Attempt `json:"attempts,omitempty"`
}

// Provider is one upstream answer engine.
type Provider interface {
	Kind() Kind
	Ask(ctx context.Context, prompt string) (*Response, error)
}

// Env carries the settings adapters are built from.
type Env struct {
	Config *config.Config
	Costs  *cost.Calculator
}

// NewEnv builds an Env from the loaded configuration.
func NewEnv(cfg *config.Config) Env {
	return Env{Config: cfg, Costs: cost.NewCalculator(cfg.Pricing)}
}

// Factory builds a provider for an API key.
type Factory func(ctx context.Context, apiKey string, env Env, model string) (Provider, error)

var factories = map[Kind]Factory{
	KindOpenAI:     newOpenAIFromEnv,
	KindAnthropic:  newAnthropicFromEnv,
	KindPerplexity: newPerplexityFromEnv,
	KindGemini:     newGeminiFromEnv,
	KindAIO:        newAIOFromEnv,
}

// Build constructs the provider for kind. An empty model uses the
// configured default for that kind.
func Build(ctx context.Context, kind Kind, apiKey string, env Env, model string) (Provider, error) {
	f, ok := factories[kind]
	if !ok {
		return nil, eris.Errorf("provider: unknown kind %q", kind)
	}
	if env.Config == nil {
		env.Config = &config.Config{}
	}
	if env.Costs == nil {
		env.Costs = cost.NewCalculator(env.Config.Pricing)
	}
	return f(ctx, apiKey, env, model)
}

func pick(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}
