package extract

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const extractionInstructions = `You analyze answers produced by AI assistants to measure brand visibility.
Return ONLY a JSON object, no prose and no code fences, with this shape:
{
  "mentions": [{"brand": string, "position": number, "sentiment": "positive"|"neutral"|"negative", "snippet": string, "confidence": number}],
  "competitors": [{"brand": string, "relationship": "direct"|"indirect"|"alternative"|"other", "sentiment": "positive"|"neutral"|"negative", "snippet": string, "confidence": number}],
  "citations": [{"url": string}],
  "sentiment": "positive"|"neutral"|"negative",
  "insights": [string]
}
"mentions" lists references to the tracked brands only. "position" is the character offset in the answer.
"competitors" lists other companies or products the answer names. Confidence is between 0 and 1.`

// truncate shortens text to at most max runes, marking the cut.
func truncate(text string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max]) + "\n[truncated]"
}

// buildPrompt embeds the answer, the original question and the tracked
// brands into the extraction instructions.
func buildPrompt(answer, question string, brands []string, maxChars int) string {
	tracked := "(none)"
	if terms := uniqueTerms(brands); len(terms) > 0 {
		tracked = strings.Join(terms, ", ")
	}
	return fmt.Sprintf(`%s

Tracked brands: %s

Question asked:
%s

Answer to analyze:
<<<
%s
>>>`, extractionInstructions, tracked, strings.TrimSpace(question), truncate(answer, maxChars))
}
