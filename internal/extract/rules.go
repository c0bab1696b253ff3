package extract

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sells-group/visibility-cli/internal/model"
)

const snippetRadius = 80

// Brand match confidence by match quality.
const (
	confExactCase    = 0.95
	confWordBoundary = 0.85
	confEmbedded     = 0.5
	confShortTerm    = 0.3
)

// snippet returns text around [start,end) trimmed to rune and word edges.
func snippet(text string, start, end int) string {
	from := start - snippetRadius
	if from < 0 {
		from = 0
	}
	to := end + snippetRadius
	if to > len(text) {
		to = len(text)
	}
	for from > 0 && !utf8.RuneStart(text[from]) {
		from--
	}
	for to < len(text) && !utf8.RuneStart(text[to]) {
		to++
	}
	s := text[from:to]
	if from > 0 {
		if i := strings.IndexAny(s, " \n"); i >= 0 && i < start-from {
			s = s[i+1:]
		}
	}
	if to < len(text) {
		if i := strings.LastIndexAny(s, " \n"); i > 0 && i > len(s)-(to-end) {
			s = s[:i]
		}
	}
	return strings.Join(strings.Fields(s), " ")
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

func boundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return !isWordRune(r)
}

// SearchBrands finds every occurrence of the brand terms in answer. The
// first term is the canonical brand name reported on each mention. Matches
// below minConfidence are dropped.
func SearchBrands(answer string, brands []string, minConfidence float64) []model.ExtractedMention {
	terms := uniqueTerms(brands)
	if len(terms) == 0 || answer == "" {
		return []model.ExtractedMention{}
	}
	canonical := terms[0]
	lower := strings.ToLower(answer)

	var out []model.ExtractedMention
	for _, term := range terms {
		lt := strings.ToLower(term)
		if len(lt) != len(term) {
			// Lowercasing changed byte length; offsets would not line up.
			continue
		}
		for from := 0; from < len(lower); {
			idx := strings.Index(lower[from:], lt)
			if idx < 0 {
				break
			}
			start := from + idx
			end := start + len(lt)
			from = end

			conf := matchConfidence(answer, term, start, end)
			if conf < minConfidence {
				continue
			}
			snip := snippet(answer, start, end)
			out = append(out, model.ExtractedMention{
				Brand:      canonical,
				Position:   start,
				Sentiment:  ScoreSentiment(snip),
				Snippet:    snip,
				Confidence: conf,
				Method:     MethodRule,
			})
		}
	}
	return MergeMentions(out, nil)
}

func matchConfidence(answer, term string, start, end int) float64 {
	bounded := boundaryBefore(answer, start) && boundaryAfter(answer, end)
	switch {
	case bounded && answer[start:end] == term:
		return confExactCase
	case bounded:
		return confWordBoundary
	case utf8.RuneCountInString(term) < 4:
		return confShortTerm
	default:
		return confEmbedded
	}
}

func uniqueTerms(brands []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, b := range brands {
		b = strings.TrimSpace(b)
		if b == "" || seen[strings.ToLower(b)] {
			continue
		}
		seen[strings.ToLower(b)] = true
		out = append(out, b)
	}
	return out
}

// brandToken matches runs of one to three capitalized words, allowing
// CamelCase, digits and dotted names such as "Monday.com".
var brandToken = regexp.MustCompile(`\b[A-Z][A-Za-z0-9&+\-]*(?:\.[a-z]{2,6})?(?:[ \t]+[A-Z][A-Za-z0-9&+\-]*){0,2}\b`)

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true, "if": true,
	"in": true, "on": true, "for": true, "with": true, "to": true, "of": true, "at": true,
	"by": true, "from": true, "as": true, "is": true, "are": true, "it": true, "its": true,
	"this": true, "that": true, "these": true, "those": true, "they": true, "you": true,
	"your": true, "we": true, "our": true, "i": true, "here": true, "there": true,
	"some": true, "many": true, "most": true, "other": true, "also": true, "however": true,
	"overall": true, "additionally": true, "finally": true, "first": true, "second": true,
	"third": true, "best": true, "top": true, "key": true, "features": true, "pros": true,
	"cons": true, "pricing": true, "price": true, "summary": true, "conclusion": true,
	"note": true, "when": true, "while": true, "what": true, "which": true, "why": true,
	"how": true, "each": true, "both": true, "all": true, "can": true, "may": true,
	"consider": true, "choose": true, "ultimately": true, "yes": true, "no": true,
	"ai": true, "crm": true, "saas": true, "api": true, "usa": true, "us": true,
	"january": true, "february": true, "march": true, "april": true, "june": true,
	"july": true, "august": true, "september": true, "october": true, "november": true,
	"december": true, "monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
}

// sweepHit is a brand-like token found by the broad sweep.
type sweepHit struct {
	brand      string
	position   int
	confidence float64
	snippet    string
}

// sweepBrands finds capitalized brand-like tokens. Leading stop words are
// dropped from each match and single-word matches that are stop words are
// skipped.
func sweepBrands(answer string) []sweepHit {
	counts := make(map[string]int)
	type raw struct {
		text  string
		start int
	}
	var found []raw
	for _, loc := range brandToken.FindAllStringIndex(answer, -1) {
		text, start := answer[loc[0]:loc[1]], loc[0]
		for {
			first, rest, ok := strings.Cut(text, " ")
			if !ok || !stopWords[strings.ToLower(first)] {
				break
			}
			trimmed := strings.TrimLeft(rest, " \t\n")
			start += len(text) - len(trimmed)
			text = trimmed
		}
		if stopWords[strings.ToLower(text)] || utf8.RuneCountInString(text) < 2 {
			continue
		}
		counts[strings.ToLower(text)]++
		found = append(found, raw{text: text, start: start})
	}

	hits := make([]sweepHit, 0, len(found))
	for _, f := range found {
		// Scored in tenths so thresholds compare exactly.
		score := 5
		if counts[strings.ToLower(f.text)] > 1 {
			score += 2
		}
		if distinctive(f.text) {
			score++
		}
		if inListItem(answer, f.start) {
			score++
		}
		if !atSentenceStart(answer, f.start) {
			score++
		}
		hits = append(hits, sweepHit{
			brand:      f.text,
			position:   f.start,
			confidence: float64(min(score, 10)) / 10,
			snippet:    snippet(answer, f.start, f.start+len(f.text)),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].position < hits[j].position })
	return hits
}

// distinctive reports CamelCase, digits or a dotted name.
func distinctive(s string) bool {
	upper := 0
	for i, r := range s {
		switch {
		case unicode.IsDigit(r), r == '.':
			return true
		case i > 0 && unicode.IsUpper(r) && unicode.IsLower(rune(s[i-1])):
			upper++
		}
	}
	return upper > 0
}

func lineStart(text string, pos int) int {
	return strings.LastIndexByte(text[:pos], '\n') + 1
}

func inListItem(text string, pos int) bool {
	prefix := strings.TrimSpace(text[lineStart(text, pos):pos])
	if prefix == "" {
		return false
	}
	switch prefix[0] {
	case '-', '*', '#':
		return true
	}
	return unicode.IsDigit(rune(prefix[0])) && strings.ContainsAny(prefix, ".)")
}

func atSentenceStart(text string, pos int) bool {
	before := strings.TrimRight(text[:pos], " \t*#-")
	if before == "" {
		return true
	}
	last := before[len(before)-1]
	return last == '.' || last == '!' || last == '?' || last == '\n' || last == ':'
}

// matchesBrand reports whether a sweep token names the tracked brand.
func matchesBrand(token string, terms []string) bool {
	lt := strings.ToLower(token)
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if lt == t || strings.HasPrefix(lt, t+" ") || strings.HasSuffix(lt, " "+t) || strings.Contains(lt, " "+t+" ") {
			return true
		}
	}
	return false
}

// splitSweep turns sweep hits into brand mentions and competitors.
func splitSweep(answer string, hits []sweepHit, brands []string, minBrand, minCompetitor float64) ([]model.ExtractedMention, []model.Competitor) {
	terms := uniqueTerms(brands)
	var mentions []model.ExtractedMention
	var competitors []model.Competitor
	for _, h := range hits {
		if len(terms) > 0 && matchesBrand(h.brand, terms) {
			if h.confidence < minBrand {
				continue
			}
			// Report at the canonical term's offset so it collides with
			// the brand search result for the same occurrence.
			pos := h.position
			if i := strings.Index(strings.ToLower(answer[h.position:]), strings.ToLower(terms[0])); i >= 0 && i < len(h.brand) {
				pos = h.position + i
			}
			mentions = append(mentions, model.ExtractedMention{
				Brand:      terms[0],
				Position:   pos,
				Sentiment:  ScoreSentiment(h.snippet),
				Snippet:    h.snippet,
				Confidence: h.confidence,
				Method:     MethodSweep,
			})
			continue
		}
		if h.confidence < minCompetitor {
			continue
		}
		competitors = append(competitors, model.Competitor{
			Brand:        h.brand,
			Position:     h.position,
			Relationship: model.RelationshipOther,
			Sentiment:    ScoreSentiment(h.snippet),
			Snippet:      h.snippet,
			Confidence:   h.confidence,
		})
	}
	return mentions, mergeCompetitors(competitors)
}
