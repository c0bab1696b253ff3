package orchestrator

import (
	"strings"
	"unicode"

	"github.com/sells-group/visibility-cli/internal/model"
)

// Finding is one answer sentence that contradicts a known fact.
type Finding struct {
	Topic    string
	Expected string
	Snippet  string
}

// DetectHallucinations flags sentences that name the brand and talk about a
// fact's topic without stating the fact's value. Facts whose value contains
// a number are only checked against sentences that also contain a number.
func DetectHallucinations(answer string, brands []string, profile *model.KnowledgeProfile) []Finding {
	if profile == nil || len(brands) == 0 || strings.TrimSpace(answer) == "" {
		return nil
	}

	var out []Finding
	seen := make(map[string]struct{})
	for _, sentence := range splitSentences(answer) {
		lower := strings.ToLower(sentence)
		if !containsAny(lower, brands) {
			continue
		}
		for _, f := range profile.Facts {
			value := strings.ToLower(strings.TrimSpace(f.Value))
			if value == "" || !containsAny(lower, f.Keywords) {
				continue
			}
			if strings.Contains(lower, value) {
				continue
			}
			if hasDigit(value) && !hasDigit(lower) {
				continue
			}
			key := f.Topic + "\x00" + sentence
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, Finding{Topic: f.Topic, Expected: f.Value, Snippet: sentence})
		}
	}
	return out
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if r != '.' && r != '!' && r != '?' && r != '\n' {
			continue
		}
		// Keep decimals like "4.5" inside one sentence.
		if r == '.' && i > 0 && i+1 < len(text) && isDigitByte(text[i-1]) && isDigitByte(text[i+1]) {
			continue
		}
		if s := strings.TrimSpace(text[start : i+1]); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

func containsAny(lower string, terms []string) bool {
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

func hasDigit(s string) bool {
	return strings.IndexFunc(s, unicode.IsDigit) >= 0
}

func isDigitByte(b byte) bool { return b >= '0' && b <= '9' }
