package extract

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visibility-cli/internal/model"
)

func brandsOf(items []any) []string {
	var out []string
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			out = append(out, str(m["brand"]))
		}
	}
	return out
}

func TestParseModelOutput_Stages(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		stage       Stage
		mentions    []string
		competitors []string
	}{
		{
			name:     "valid",
			input:    `{"mentions":[{"brand":"Acme","confidence":0.9}],"competitors":[]}`,
			stage:    StageDirect,
			mentions: []string{"Acme"},
		},
		{
			name:     "fenced with prose",
			input:    "Here you go:\n```json\n{\"mentions\":[{\"brand\":\"Acme\"}]}\n```\nThanks!",
			stage:    StageDirect,
			mentions: []string{"Acme"},
		},
		{
			name:     "unterminated object",
			input:    `{"mentions":[{"brand":"Acme","confidence":0.9}`,
			stage:    StageRepaired,
			mentions: []string{"Acme"},
		},
		{
			name:        "truncated mid value",
			input:       `{"mentions":[{"brand":"Acme","confidence":0.9},{"brand":"Acme","position":12,"snip`,
			stage:       StageRepaired,
			mentions:    []string{"Acme", "Acme"},
			competitors: nil,
		},
		{
			name:     "trailing comma",
			input:    `{"mentions":[{"brand":"Acme"},],`,
			stage:    StageRepaired,
			mentions: []string{"Acme"},
		},
		{
			name:     "invalid escape",
			input:    `{"mentions":[{"brand":"Acme","snippet":"C:\path \q"}]}`,
			stage:    StageRepaired,
			mentions: []string{"Acme"},
		},
		{
			name:     "raw newline in string",
			input:    "{\"mentions\":[{\"brand\":\"Acme\",\"snippet\":\"line one\nline two\"}]}",
			stage:    StageRepaired,
			mentions: []string{"Acme"},
		},
		{
			name:        "garbage between records",
			input:       `{"mentions":[{"brand":"Acme" "confidence":},{"brand":"Acme Cloud"}], "competitors":[{"brand":"Globex" relationship: direct}]}`,
			stage:       StageScraped,
			mentions:    []string{"Acme", "Acme Cloud"},
			competitors: []string{"Globex"},
		},
		{
			name:  "not json",
			input: "I cannot help with that.",
			stage: StageEmpty,
		},
		{
			name:  "empty",
			input: "",
			stage: StageEmpty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, stage := ParseModelOutput(tt.input)
			assert.Equal(t, tt.stage, stage)
			assert.Equal(t, tt.mentions, brandsOf(b.Mentions))
			assert.Equal(t, tt.competitors, brandsOf(b.Competitors))
		})
	}
}

func TestParseModelOutput_ScrapedDefaults(t *testing.T) {
	b, stage := ParseModelOutput(`{"competitors":[{"brand":"Globex" oops}]}`)
	require.Equal(t, StageScraped, stage)
	require.Len(t, b.Competitors, 1)

	c, ok := normalizeCompetitor(b.Competitors[0], "")
	require.True(t, ok)
	assert.Equal(t, model.RelationshipOther, c.Relationship)
	assert.Equal(t, model.SentimentNeutral, c.Sentiment)
	assert.InDelta(t, model.DefaultConfidence, c.Confidence, 1e-9)
}

func TestParseModelOutput_RoundTripIsDirect(t *testing.T) {
	e := NewEngine(nil, "")
	res := e.Extract(t.Context(), "Acme is the best CRM. See https://acme.example.com for details. Globex Corp is also popular, and Globex Corp is cheap.",
		"best crm?", []string{"Acme"}, Options{Strategy: StrategyRule, BrandMinConfidence: 0.4, CompetitorMinConfidence: 0.7})

	data, err := json.Marshal(res)
	require.NoError(t, err)

	b, stage := ParseModelOutput(string(data))
	assert.Equal(t, StageDirect, stage)
	assert.Len(t, b.Mentions, len(res.Mentions))
	assert.Len(t, b.Citations, len(res.Citations))
}

func TestCloseTruncated(t *testing.T) {
	attempts := closeTruncated(`{"a":[1,2,{"b":"x`)
	require.NotEmpty(t, attempts)
	assert.Equal(t, `{"a":[1,2,{"b":"x"}]}`, attempts[0])

	for _, a := range attempts {
		assert.NotContains(t, a, ",]")
		assert.NotContains(t, a, ",}")
	}
}

func TestRepairEscapes(t *testing.T) {
	assert.Equal(t, `{"a":"C:\\path"}`, repairEscapes(`{"a":"C:\path"}`))
	assert.Equal(t, `{"a":"ok\n\u00e9"}`, repairEscapes(`{"a":"ok\n\u00e9"}`))
	assert.Equal(t, `{"a":"bad\\u12"}`, repairEscapes(`{"a":"bad\u12"}`))
	assert.Equal(t, `{"a":"x`, repairEscapes(`{"a":"x\`))
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":{"b":1}}`, stripFences("```json\n{\"a\":{\"b\":1}}\n```"))
	assert.Equal(t, `{"a":"}"}`, stripFences(`noise {"a":"}"} trailing {"x":1}`))
	assert.Equal(t, `{"a":[1`, stripFences(`prefix {"a":[1`))
	assert.Equal(t, "plain", stripFences("  plain  "))
}

func TestDecodeBundle_Tolerant(t *testing.T) {
	b, err := decodeBundle(`{"Mentions":{"brand":"Acme"},"insights":"one","overall_sentiment":"favorable"}`)
	require.NoError(t, err)
	assert.Len(t, b.Mentions, 1)
	assert.Equal(t, []any{"one"}, b.Insights)
	assert.Equal(t, model.SentimentPositive, normalizeSentiment(b.Sentiment))

	_, err = decodeBundle(`null`)
	require.Error(t, err)
	_, err = decodeBundle(`[1,2]`)
	require.Error(t, err)
}

func TestScrapeBrands_IgnoresOtherSections(t *testing.T) {
	m, c := scrapeBrands(`{"meta":{"brand":"Nope"},"mentions":[{"brand":"Acme \"One\""}],"competitors":[{"brand":"Globex"},{"brand":""}]`)
	assert.Equal(t, []string{`Acme "One"`}, m)
	assert.Equal(t, []string{"Globex"}, c)
}
