package model

import (
	"strings"
	"time"
)

// Sentiment is the tone of a mention or answer.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// ParseSentiment maps free-form labels onto the closed sentiment set.
func ParseSentiment(s string) Sentiment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive", "favorable":
		return SentimentPositive
	case "negative", "unfavorable":
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

// Relationship describes how a competitor relates to the tracked brand.
type Relationship string

const (
	RelationshipDirect      Relationship = "direct"
	RelationshipIndirect    Relationship = "indirect"
	RelationshipAlternative Relationship = "alternative"
	RelationshipOther       Relationship = "other"
)

// ParseRelationship maps free-form labels onto the closed relationship set.
func ParseRelationship(s string) Relationship {
	switch r := Relationship(strings.ToLower(strings.TrimSpace(s))); r {
	case RelationshipDirect, RelationshipIndirect, RelationshipAlternative, RelationshipOther:
		return r
	}
	return RelationshipOther
}

// DefaultConfidence is assigned to records that arrive without a usable score.
const DefaultConfidence = 0.7

// ExtractedMention is a brand reference produced by extraction.
type ExtractedMention struct {
	Brand      string    `json:"brand"`
	Position   int       `json:"position"`
	Sentiment  Sentiment `json:"sentiment"`
	Snippet    string    `json:"snippet"`
	Confidence float64   `json:"confidence"`
	Method     string    `json:"method"`
}

// Competitor is a non-tracked brand surfaced by extraction.
type Competitor struct {
	Brand        string       `json:"brand"`
	Position     int          `json:"position"`
	Relationship Relationship `json:"relationship"`
	Sentiment    Sentiment    `json:"sentiment"`
	Snippet      string       `json:"snippet"`
	Confidence   float64      `json:"confidence"`
}

// CitationRef is a source reference produced by extraction.
type CitationRef struct {
	URL        string  `json:"url"`
	Domain     string  `json:"domain"`
	Rank       int     `json:"rank"`
	Confidence float64 `json:"confidence"`
}

// ExtractionMetadata describes how an extraction bundle was produced.
type ExtractionMetadata struct {
	Method      string    `json:"method"`
	Model       string    `json:"model,omitempty"`
	ParseStage  string    `json:"parse_stage,omitempty"`
	Confidence  float64   `json:"confidence"`
	ExtractedAt time.Time `json:"extracted_at"`
	// CostCents is what the secondary model call cost, zero for rules.
	CostCents int64 `json:"cost_cents,omitempty"`
}

// ExtractionResult is the full structured bundle recovered from an answer.
type ExtractionResult struct {
	Mentions    []ExtractedMention `json:"mentions"`
	Competitors []Competitor       `json:"competitors"`
	Citations   []CitationRef      `json:"citations"`
	Sentiment   Sentiment          `json:"sentiment"`
	Insights    []string           `json:"insights"`
	Metadata    ExtractionMetadata `json:"metadata"`
}

// EmptyExtraction returns a bundle with every collection initialized.
func EmptyExtraction(method string) ExtractionResult {
	return ExtractionResult{
		Mentions:    []ExtractedMention{},
		Competitors: []Competitor{},
		Citations:   []CitationRef{},
		Sentiment:   SentimentNeutral,
		Insights:    []string{},
		Metadata:    ExtractionMetadata{Method: method},
	}
}
