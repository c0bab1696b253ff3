package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/provider"
)

type fakeLLM struct {
	output  string
	cost    int64
	err     error
	prompts []string
}

func (f *fakeLLM) Ask(_ context.Context, prompt string) (*provider.Response, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Response{AnswerText: f.output, CostCents: f.cost, Meta: provider.Meta{Model: "claude-haiku-4-5-20251001"}}, nil
}

func fixedEngine(llm LLM) *Engine {
	e := NewEngine(llm, "fallback-model")
	e.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return e
}

func llmOptions() Options {
	o := DefaultOptions()
	o.Strategy = StrategyLLM
	return o
}

func assertCanonical(t *testing.T, r model.ExtractionResult) {
	t.Helper()
	assert.NotNil(t, r.Mentions)
	assert.NotNil(t, r.Competitors)
	assert.NotNil(t, r.Citations)
	assert.NotNil(t, r.Insights)
	assert.Contains(t, []model.Sentiment{model.SentimentPositive, model.SentimentNeutral, model.SentimentNegative}, r.Sentiment)
	for _, m := range r.Mentions {
		assert.NotEmpty(t, m.Brand)
		assert.Contains(t, []model.Sentiment{model.SentimentPositive, model.SentimentNeutral, model.SentimentNegative}, m.Sentiment)
		assert.GreaterOrEqual(t, m.Confidence, 0.0)
		assert.LessOrEqual(t, m.Confidence, 1.0)
	}
	for _, c := range r.Competitors {
		assert.NotEmpty(t, c.Brand)
		assert.Contains(t, []model.Relationship{model.RelationshipDirect, model.RelationshipIndirect, model.RelationshipAlternative, model.RelationshipOther}, c.Relationship)
	}
}

func TestExtract_LLMRepairedOutput(t *testing.T) {
	llm := &fakeLLM{output: `{"mentions":[{"brand":"Acme","confidence":0.9}`}
	e := fixedEngine(llm)

	r := e.Extract(context.Background(), "Acme leads the market.", "who leads?", []string{"Acme"}, llmOptions())

	assertCanonical(t, r)
	require.Len(t, r.Mentions, 1)
	assert.Equal(t, "Acme", r.Mentions[0].Brand)
	assert.Equal(t, MethodRule, r.Mentions[0].Method)
	assert.Equal(t, MethodLLM, r.Metadata.Method)
	assert.Equal(t, string(StageRepaired), r.Metadata.ParseStage)
	assert.Equal(t, "claude-haiku-4-5-20251001", r.Metadata.Model)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), r.Metadata.ExtractedAt)
}

func TestExtract_LLMCostReported(t *testing.T) {
	e := fixedEngine(&fakeLLM{output: `{"mentions":[{"brand":"Acme","confidence":0.9}]}`, cost: 3})
	r := e.Extract(context.Background(), "Acme leads.", "q", []string{"Acme"}, llmOptions())
	assert.Equal(t, int64(3), r.Metadata.CostCents)

	// An unparseable reply still cost money.
	e = fixedEngine(&fakeLLM{output: "no json here", cost: 2})
	r = e.Extract(context.Background(), "Acme leads.", "q", []string{"Acme"}, llmOptions())
	assert.Equal(t, string(StageEmpty), r.Metadata.ParseStage)
	assert.Equal(t, int64(2), r.Metadata.CostCents)

	rules := DefaultOptions()
	rules.Strategy = StrategyRule
	r = fixedEngine(&fakeLLM{cost: 9}).Extract(context.Background(), "Acme leads.", "q", []string{"Acme"}, rules)
	assert.Zero(t, r.Metadata.CostCents)
}

func TestExtract_LLMAddsRecordsRulesMiss(t *testing.T) {
	llm := &fakeLLM{output: `{
		"mentions": [{"brand": "Acme Analytics", "position": 30, "sentiment": "Favorable", "confidence": "0.8"}],
		"competitors": [
			{"brand": "Globex", "relationship": "DIRECT", "confidence": 0.9},
			{"brand": "Acme", "relationship": "direct", "confidence": 0.9},
			{"brand": "Tiny", "confidence": 0.2}
		],
		"citations": ["https://globex.example.com"],
		"sentiment": {"overall": "negative"},
		"insights": [{"text": "Globex is preferred."}]
	}`}
	e := fixedEngine(llm)

	answer := "Acme is fine. Many teams like Acme Analytics but prefer Globex."
	r := e.Extract(context.Background(), answer, "q", []string{"Acme"}, llmOptions())
	assertCanonical(t, r)

	var methods []string
	for _, m := range r.Mentions {
		methods = append(methods, m.Brand+"/"+m.Method)
	}
	assert.Contains(t, methods, "Acme Analytics/llm")
	assert.Contains(t, methods, "Acme/rule")

	require.Len(t, r.Competitors, 1)
	assert.Equal(t, "Globex", r.Competitors[0].Brand)
	assert.Equal(t, model.RelationshipDirect, r.Competitors[0].Relationship)

	assert.Equal(t, model.SentimentNegative, r.Sentiment)
	assert.Equal(t, []string{"Globex is preferred."}, r.Insights)
	require.Len(t, r.Citations, 1)
	assert.Equal(t, "globex.example.com", r.Citations[0].Domain)
	assert.Equal(t, string(StageDirect), r.Metadata.ParseStage)
}

func TestExtract_ModelErrorFallsBackToRules(t *testing.T) {
	e := fixedEngine(&fakeLLM{err: errors.New("503")})
	r := e.Extract(context.Background(), "Acme is reliable.", "q", []string{"Acme"}, llmOptions())

	assertCanonical(t, r)
	assert.Equal(t, MethodRule, r.Metadata.Method)
	assert.Equal(t, "model_error", r.Metadata.ParseStage)
	require.Len(t, r.Mentions, 1)
}

func TestExtract_CanonicalForDegenerateInputs(t *testing.T) {
	outputs := []string{"", "not json at all", `{"mentions":[{"brand":`, `{"mentions":"Acme"}`, `[1,2,3]`, `{"mentions":[{"brand":null,"confidence":"high"}]}`}
	answers := []string{"", "   ", "Acme", "Acme is great. https://acme.example.com"}

	for _, out := range outputs {
		for _, ans := range answers {
			e := fixedEngine(&fakeLLM{output: out})
			r := e.Extract(context.Background(), ans, "q", []string{"Acme"}, llmOptions())
			assertCanonical(t, r)
		}
	}
}

func TestExtract_EmptyAnswerSkipsModel(t *testing.T) {
	llm := &fakeLLM{output: `{}`}
	r := fixedEngine(llm).Extract(context.Background(), "  ", "q", []string{"Acme"}, llmOptions())

	assertCanonical(t, r)
	assert.Empty(t, llm.prompts)
	assert.Equal(t, string(StageEmpty), r.Metadata.ParseStage)
	assert.Zero(t, r.Metadata.Confidence)
}

func TestExtract_RuleStrategyNeverCallsModel(t *testing.T) {
	llm := &fakeLLM{output: `{}`}
	opts := DefaultOptions()
	opts.Strategy = StrategyRule
	opts.NativeCitations = []string{"https://native.example.com"}

	r := fixedEngine(llm).Extract(context.Background(), "Acme beats Globex Corp. Globex Corp is slow.", "q", []string{"Acme"}, opts)
	assert.Empty(t, llm.prompts)
	assert.Equal(t, MethodRule, r.Metadata.Method)
	require.NotEmpty(t, r.Citations)
	assert.Equal(t, "native.example.com", r.Citations[0].Domain)
	assert.NotEmpty(t, r.Insights)
}

func TestBuildPrompt(t *testing.T) {
	p := buildPrompt("0123456789abcdef", "best crm?", []string{"Acme", "acme.com"}, 10)
	assert.Contains(t, p, "Tracked brands: Acme, acme.com")
	assert.Contains(t, p, "best crm?")
	assert.Contains(t, p, "0123456789\n[truncated]")
	assert.NotContains(t, p, "abcdef")

	assert.Contains(t, buildPrompt("x", "q", nil, 0), "Tracked brands: (none)")
}
