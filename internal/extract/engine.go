// Package extract turns free-text answers into mentions, competitors,
// citations and sentiment, either with local rules or a secondary model call
// whose possibly malformed JSON is repaired.
package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/provider"
)

// Strategy selects how answers are analyzed.
type Strategy string

// Extraction strategies.
const (
	StrategyRule Strategy = "rule"
	StrategyLLM  Strategy = "llm"
)

// Method tags recorded on mentions and metadata.
const (
	MethodRule  = "rule"
	MethodSweep = "sweep"
	MethodLLM   = "llm"
)

// Options tune one extraction.
type Options struct {
	Strategy                Strategy
	BrandMinConfidence      float64
	CompetitorMinConfidence float64
	MaxAnswerChars          int
	// NativeCitations are sources reported by the answering provider.
	NativeCitations []string
}

// DefaultOptions returns the standard thresholds.
func DefaultOptions() Options {
	return Options{
		Strategy:                StrategyLLM,
		BrandMinConfidence:      0.4,
		CompetitorMinConfidence: 0.7,
		MaxAnswerChars:          12000,
	}
}

// LLM answers the extraction prompt.
type LLM interface {
	Ask(ctx context.Context, prompt string) (*provider.Response, error)
}

// Engine runs structured extraction.
type Engine struct {
	llm   LLM
	model string
	now   func() time.Time
}

// NewEngine creates an Engine. llm may be nil, in which case every
// extraction uses rules.
func NewEngine(llm LLM, modelName string) *Engine {
	return &Engine{llm: llm, model: modelName, now: time.Now}
}

// Extract analyzes answer. It never fails: unusable model output degrades to
// rule-based results, and an empty answer yields an empty bundle. The first
// brand is the canonical name reported on mentions.
func (e *Engine) Extract(ctx context.Context, answer, question string, brands []string, opts Options) model.ExtractionResult {
	log := zap.L().With(zap.String("strategy", string(opts.Strategy)))

	if strings.TrimSpace(answer) == "" {
		r := model.EmptyExtraction(string(opts.Strategy))
		r.Metadata.ParseStage = string(StageEmpty)
		r.Metadata.ExtractedAt = e.now().UTC()
		return r
	}

	rule := e.extractRules(answer, brands, opts)
	if opts.Strategy != StrategyLLM || e.llm == nil {
		return rule
	}

	resp, err := e.llm.Ask(ctx, buildPrompt(answer, question, brands, opts.MaxAnswerChars))
	if err != nil {
		log.Warn("extract: model call failed, using rules", zap.Error(err))
		rule.Metadata.ParseStage = "model_error"
		return rule
	}

	raw, stage := ParseModelOutput(resp.AnswerText)
	if stage != StageDirect {
		log.Info("extract: recovered model output", zap.String("stage", string(stage)))
	}
	if stage == StageEmpty {
		log.Warn("extract: model output unparseable, using rules",
			zap.Int("output_chars", len(resp.AnswerText)))
		rule.Metadata.ParseStage = string(StageEmpty)
		rule.Metadata.CostCents = resp.CostCents
		return rule
	}

	out := e.fromModel(answer, raw, opts)
	out.Mentions = MergeMentions(rule.Mentions, out.Mentions)
	out.Competitors = mergeCompetitors(out.Competitors, rule.Competitors)
	out.Competitors = dropTracked(out.Competitors, brands)
	if len(out.Insights) == 0 {
		out.Insights = rule.Insights
	}
	out.Metadata = model.ExtractionMetadata{
		Method:      MethodLLM,
		Model:       pickModel(resp.Meta.Model, e.model),
		ParseStage:  string(stage),
		Confidence:  bundleConfidence(out),
		ExtractedAt: e.now().UTC(),
		CostCents:   resp.CostCents,
	}
	return Canonicalize(out)
}

func pickModel(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func (e *Engine) extractRules(answer string, brands []string, opts Options) model.ExtractionResult {
	found := SearchBrands(answer, brands, opts.BrandMinConfidence)
	swept, competitors := splitSweep(answer, sweepBrands(answer), brands, opts.BrandMinConfidence, opts.CompetitorMinConfidence)

	out := model.EmptyExtraction(MethodRule)
	out.Mentions = MergeMentions(found, swept)
	out.Competitors = competitors
	out.Citations = ExtractCitations(answer, opts.NativeCitations, nil)
	out.Sentiment = ScoreSentiment(answer)
	out.Insights = ruleInsights(answer, brands, out)
	out.Metadata = model.ExtractionMetadata{
		Method:      MethodRule,
		Confidence:  bundleConfidence(out),
		ExtractedAt: e.now().UTC(),
	}
	return Canonicalize(out)
}

func (e *Engine) fromModel(answer string, raw rawBundle, opts Options) model.ExtractionResult {
	out := model.EmptyExtraction(MethodLLM)

	var mentions []model.ExtractedMention
	for _, item := range raw.Mentions {
		m, ok := normalizeMention(item, answer, MethodLLM)
		if ok && m.Confidence >= opts.CompetitorMinConfidence {
			mentions = append(mentions, m)
		}
	}
	out.Mentions = MergeMentions(mentions, nil)

	var competitors []model.Competitor
	for _, item := range raw.Competitors {
		c, ok := normalizeCompetitor(item, answer)
		if ok && c.Confidence >= opts.CompetitorMinConfidence {
			competitors = append(competitors, c)
		}
	}
	out.Competitors = mergeCompetitors(competitors)

	out.Citations = ExtractCitations(answer, opts.NativeCitations, citationURLs(raw.Citations))
	if raw.Sentiment != nil {
		out.Sentiment = normalizeSentiment(raw.Sentiment)
	} else {
		out.Sentiment = ScoreSentiment(answer)
	}
	out.Insights = normalizeInsights(raw.Insights)
	return out
}

func dropTracked(cs []model.Competitor, brands []string) []model.Competitor {
	terms := uniqueTerms(brands)
	if len(terms) == 0 {
		return cs
	}
	out := cs[:0]
	for _, c := range cs {
		if !matchesBrand(c.Brand, terms) {
			out = append(out, c)
		}
	}
	return out
}

func bundleConfidence(r model.ExtractionResult) float64 {
	var sum float64
	n := 0
	for _, m := range r.Mentions {
		sum += m.Confidence
		n++
	}
	for _, c := range r.Competitors {
		sum += c.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func ruleInsights(answer string, brands []string, r model.ExtractionResult) []string {
	terms := uniqueTerms(brands)
	var out []string
	if len(terms) > 0 {
		if len(r.Mentions) == 0 {
			out = append(out, fmt.Sprintf("%s is not mentioned in the answer.", terms[0]))
		} else {
			pct := r.Mentions[0].Position * 100 / max(len(answer), 1)
			out = append(out, fmt.Sprintf("%s is mentioned %d time(s), first at %d%% of the answer.", terms[0], len(r.Mentions), pct))
		}
	}
	if len(r.Competitors) > 0 {
		names := make([]string, 0, 3)
		for _, c := range r.Competitors {
			if len(names) == 3 {
				break
			}
			names = append(names, c.Brand)
		}
		out = append(out, "Competitors named: "+strings.Join(names, ", ")+".")
	}
	if len(r.Citations) > 0 {
		out = append(out, fmt.Sprintf("The answer cites %d source(s).", len(r.Citations)))
	}
	return out
}
