package extract

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/sells-group/visibility-cli/internal/model"
)

const defaultConfidence = model.DefaultConfidence

// unknownPosition marks a record whose brand could not be located in the
// answer text.
const unknownPosition = -1

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func num(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t) && !math.IsInf(t, 0)
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// confidence coerces a score into [0,1]. Percentages are scaled down and
// anything unusable becomes the default.
func confidence(v any) float64 {
	f, ok := num(v)
	switch {
	case !ok || f < 0:
		return defaultConfidence
	case f <= 1:
		return f
	case f <= 100:
		return f / 100
	default:
		return defaultConfidence
	}
}

func field(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// locate finds brand in answer case-insensitively.
func locate(answer, brand string) int {
	if brand == "" {
		return unknownPosition
	}
	idx := strings.Index(strings.ToLower(answer), strings.ToLower(brand))
	if idx < 0 {
		return unknownPosition
	}
	return idx
}

func position(v any, answer, brand string) int {
	if f, ok := num(v); ok && f >= 0 && int(f) < len(answer)+1 {
		return int(f)
	}
	return locate(answer, brand)
}

// normalizeMention coerces one model record into the canonical mention
// shape. Records without a brand are dropped.
func normalizeMention(item any, answer, method string) (model.ExtractedMention, bool) {
	m, ok := item.(map[string]any)
	if !ok {
		if s := str(item); s != "" {
			m = map[string]any{"brand": s}
		} else {
			return model.ExtractedMention{}, false
		}
	}

	brand := str(field(m, "brand", "name", "company"))
	if brand == "" {
		return model.ExtractedMention{}, false
	}
	snippet := str(field(m, "snippet", "context", "quote"))
	return model.ExtractedMention{
		Brand:      brand,
		Position:   position(field(m, "position", "index"), answer, brand),
		Sentiment:  model.ParseSentiment(str(m["sentiment"])),
		Snippet:    snippet,
		Confidence: confidence(m["confidence"]),
		Method:     method,
	}, true
}

func normalizeCompetitor(item any, answer string) (model.Competitor, bool) {
	m, ok := item.(map[string]any)
	if !ok {
		if s := str(item); s != "" {
			m = map[string]any{"brand": s}
		} else {
			return model.Competitor{}, false
		}
	}

	brand := str(field(m, "brand", "name", "company"))
	if brand == "" {
		return model.Competitor{}, false
	}
	return model.Competitor{
		Brand:        brand,
		Position:     position(field(m, "position", "index"), answer, brand),
		Relationship: model.ParseRelationship(str(m["relationship"])),
		Sentiment:    model.ParseSentiment(str(m["sentiment"])),
		Snippet:      str(field(m, "snippet", "context", "quote")),
		Confidence:   confidence(m["confidence"]),
	}, true
}

func citationURLs(items []any) []string {
	var out []string
	for _, item := range items {
		switch t := item.(type) {
		case string:
			out = append(out, t)
		case map[string]any:
			if u := str(field(t, "url", "link", "href")); u != "" {
				out = append(out, u)
			}
		}
	}
	return out
}

func normalizeSentiment(v any) model.Sentiment {
	if m, ok := v.(map[string]any); ok {
		return model.ParseSentiment(str(field(m, "overall", "label", "value")))
	}
	return model.ParseSentiment(str(v))
}

func normalizeInsights(items []any) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if m, ok := item.(map[string]any); ok {
			s = str(field(m, "text", "insight", "summary"))
		} else {
			s = str(item)
		}
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func mentionKey(brand string, pos int) string {
	return strings.ToLower(strings.TrimSpace(brand)) + "\x00" + strconv.Itoa(pos)
}

// MergeMentions deduplicates mentions by lowercase brand and position.
// Records from primary win over secondary on collision. The result is
// ordered by position.
func MergeMentions(primary, secondary []model.ExtractedMention) []model.ExtractedMention {
	seen := make(map[string]bool, len(primary)+len(secondary))
	out := make([]model.ExtractedMention, 0, len(primary)+len(secondary))
	for _, list := range [][]model.ExtractedMention{primary, secondary} {
		for _, m := range list {
			k := mentionKey(m.Brand, m.Position)
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// mergeCompetitors deduplicates competitors by lowercase brand, keeping the
// earliest position and highest confidence.
func mergeCompetitors(lists ...[]model.Competitor) []model.Competitor {
	idx := make(map[string]int)
	out := make([]model.Competitor, 0)
	for _, list := range lists {
		for _, c := range list {
			k := strings.ToLower(c.Brand)
			i, ok := idx[k]
			if !ok {
				idx[k] = len(out)
				out = append(out, c)
				continue
			}
			if c.Confidence > out[i].Confidence {
				out[i].Confidence = c.Confidence
			}
			if c.Position >= 0 && (out[i].Position < 0 || c.Position < out[i].Position) {
				out[i].Position = c.Position
			}
		}
	}
	return out
}

// Canonicalize returns r with every collection non-nil and every record in
// canonical form.
func Canonicalize(r model.ExtractionResult) model.ExtractionResult {
	if r.Mentions == nil {
		r.Mentions = []model.ExtractedMention{}
	}
	if r.Competitors == nil {
		r.Competitors = []model.Competitor{}
	}
	if r.Citations == nil {
		r.Citations = []model.CitationRef{}
	}
	if r.Insights == nil {
		r.Insights = []string{}
	}
	r.Sentiment = model.ParseSentiment(string(r.Sentiment))
	for i := range r.Mentions {
		m := &r.Mentions[i]
		m.Sentiment = model.ParseSentiment(string(m.Sentiment))
		if m.Confidence < 0 || m.Confidence > 1 {
			m.Confidence = defaultConfidence
		}
	}
	for i := range r.Competitors {
		c := &r.Competitors[i]
		c.Sentiment = model.ParseSentiment(string(c.Sentiment))
		c.Relationship = model.ParseRelationship(string(c.Relationship))
		if c.Confidence < 0 || c.Confidence > 1 {
			c.Confidence = defaultConfidence
		}
	}
	return r
}
