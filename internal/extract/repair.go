package extract

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

var errNotObject = eris.New("extract: model output is not a JSON object")

// Stage names the recovery step that produced a parsed bundle.
type Stage string

// Recovery stages, in the order they are attempted.
const (
	StageDirect   Stage = "direct"
	StageRepaired Stage = "repaired"
	StageScraped  Stage = "scraped"
	StageEmpty    Stage = "empty"
)

// maxRepairAttempts bounds how many truncation points are re-parsed.
const maxRepairAttempts = 256

// rawBundle is the loosely typed shape requested from the extraction model.
// Items stay untyped until normalization coerces them.
type rawBundle struct {
	Mentions    []any
	Competitors []any
	Citations   []any
	Sentiment   any
	Insights    []any
}

// decodeBundle parses a JSON object into a rawBundle. Keys are matched
// case-insensitively and a scalar where a list is expected becomes a
// one-element list.
func decodeBundle(data string) (rawBundle, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return rawBundle{}, err
	}
	if obj == nil {
		return rawBundle{}, errNotObject
	}

	var b rawBundle
	for k, v := range obj {
		switch strings.ToLower(k) {
		case "mentions", "brand_mentions":
			b.Mentions = asList(v)
		case "competitors":
			b.Competitors = asList(v)
		case "citations", "sources":
			b.Citations = asList(v)
		case "sentiment", "overall_sentiment":
			b.Sentiment = v
		case "insights":
			b.Insights = asList(v)
		}
	}
	return b, nil
}

func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	default:
		return []any{t}
	}
}

// ParseModelOutput recovers a bundle from model output. It never fails: when
// nothing is recoverable the bundle is empty and the stage is StageEmpty.
func ParseModelOutput(text string) (rawBundle, Stage) {
	candidate := stripFences(text)

	if b, err := decodeBundle(candidate); err == nil {
		return b, StageDirect
	}

	// A repaired prefix can parse while dropping records the scrape still
	// sees, so the repair only wins when it keeps at least as many brands.
	mentions, competitors := scrapeBrands(candidate)
	if b, ok := repairAndParse(candidate); ok && brandCount(b) >= len(mentions)+len(competitors) {
		return b, StageRepaired
	}

	if len(mentions) > 0 || len(competitors) > 0 {
		var out rawBundle
		for _, m := range mentions {
			out.Mentions = append(out.Mentions, map[string]any{
				"brand":      m,
				"confidence": defaultConfidence,
				"sentiment":  "neutral",
			})
		}
		for _, c := range competitors {
			out.Competitors = append(out.Competitors, map[string]any{
				"brand":        c,
				"confidence":   defaultConfidence,
				"sentiment":    "neutral",
				"relationship": "other",
			})
		}
		return out, StageScraped
	}

	return rawBundle{}, StageEmpty
}

func brandCount(b rawBundle) int {
	n := 0
	for _, list := range [][]any{b.Mentions, b.Competitors} {
		for _, item := range list {
			switch t := item.(type) {
			case string:
				if strings.TrimSpace(t) != "" {
					n++
				}
			case map[string]any:
				if str(field(t, "brand", "name", "company")) != "" {
					n++
				}
			}
		}
	}
	return n
}

// stripFences removes markdown code fences and returns the first object in
// text: up to its matching brace, or to the end when it never closes.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```JSON")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return text
	}
	if end := matchingBrace(text, start); end > 0 {
		return text[start : end+1]
	}
	return text[start:]
}

// matchingBrace returns the index of the brace closing the object opened at
// start, or -1.
func matchingBrace(s string, start int) int {
	depth := 0
	inString, escape := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escape:
			escape = false
		case inString && c == '\\':
			escape = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func repairAndParse(candidate string) (rawBundle, bool) {
	s := candidate
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return rawBundle{}, false
	}
	s = s[start:]
	if end := strings.LastIndexByte(s, '}'); end > 0 && !endsInsideOpenString(s) {
		s = s[:end+1]
	}
	s = repairEscapes(s)

	for _, attempt := range closeTruncated(s) {
		if b, err := decodeBundle(attempt); err == nil {
			return b, true
		}
	}
	return rawBundle{}, false
}

// endsInsideOpenString reports whether s is cut off inside a string literal,
// in which case trimming to the last brace would discard the partial value.
func endsInsideOpenString(s string) bool {
	inString, escape := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escape:
			escape = false
		case inString && c == '\\':
			escape = true
		case c == '"':
			inString = !inString
		}
	}
	return inString
}

// repairEscapes rewrites invalid escape sequences and raw control characters
// inside string literals so they decode.
func repairEscapes(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 8)
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !inString {
			if c == '"' {
				inString = true
			}
			sb.WriteByte(c)
			continue
		}

		switch {
		case c == '"':
			inString = false
			sb.WriteByte(c)
		case c == '\\':
			if i+1 < len(s) && validEscape(s, i+1) {
				sb.WriteByte(c)
				sb.WriteByte(s[i+1])
				i++
				continue
			}
			if i+1 == len(s) {
				// Dangling backslash at a truncation point.
				continue
			}
			sb.WriteString(`\\`)
		case c == '\n':
			sb.WriteString(`\n`)
		case c == '\r':
			sb.WriteString(`\r`)
		case c == '\t':
			sb.WriteString(`\t`)
		case c < 0x20:
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func validEscape(s string, i int) bool {
	switch s[i] {
	case '"', '\\', '/', 'b', 'f', 'n', 'r', 't':
		return true
	case 'u':
		if i+4 >= len(s) {
			return false
		}
		for _, h := range s[i+1 : i+5] {
			if !strings.ContainsRune("0123456789abcdefABCDEF", h) {
				return false
			}
		}
		return true
	}
	return false
}

type cutPoint struct {
	pos     int
	closers string
}

// closeTruncated returns candidate documents for a possibly truncated JSON
// text, longest first: the whole text with an open string terminated and
// missing closers appended, then every structural cut point (after an
// opening or closing bracket, before a comma) with its own closers.
func closeTruncated(s string) []string {
	var stack []byte
	var cuts []cutPoint
	inString, escape := false, false

	closers := func() string {
		b := make([]byte, len(stack))
		for i := range stack {
			b[i] = stack[len(stack)-1-i]
		}
		return string(b)
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if escape {
			escape = false
			continue
		}
		if inString {
			switch c {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
			cuts = append(cuts, cutPoint{pos: i + 1, closers: closers()})
		case '[':
			stack = append(stack, ']')
			cuts = append(cuts, cutPoint{pos: i + 1, closers: closers()})
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
			cuts = append(cuts, cutPoint{pos: i + 1, closers: closers()})
		case ',':
			cuts = append(cuts, cutPoint{pos: i, closers: closers()})
		}
	}

	full := s
	if inString {
		full = strings.TrimSuffix(full, `\`) + `"`
	}
	out := []string{trimDangling(full) + closers()}

	for i := len(cuts) - 1; i >= 0 && len(out) < maxRepairAttempts; i-- {
		out = append(out, trimDangling(s[:cuts[i].pos])+cuts[i].closers)
	}
	return out
}

func trimDangling(s string) string {
	return strings.TrimRight(s, " \t\r\n,")
}

// --- Tokenizer-based scrape ---

type tokenKind int

const (
	tokString tokenKind = iota
	tokPunct
	tokLiteral
)

type token struct {
	kind tokenKind
	text string
}

// tokenize splits JSON-ish text into strings, punctuation and bare
// literals. An unterminated trailing string is dropped.
func tokenize(s string) []token {
	var toks []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '"':
			j := i + 1
			escape := false
			closed := false
			for ; j < len(s); j++ {
				if escape {
					escape = false
					continue
				}
				if s[j] == '\\' {
					escape = true
					continue
				}
				if s[j] == '"' {
					closed = true
					break
				}
			}
			if !closed {
				return toks
			}
			toks = append(toks, token{kind: tokString, text: decodeString(s[i+1 : j])})
			i = j + 1
		case strings.IndexByte("{}[]:,", c) >= 0:
			toks = append(toks, token{kind: tokPunct, text: string(c)})
			i++
		default:
			j := i
			for j < len(s) && strings.IndexByte("{}[]:,\" \t\r\n", s[j]) < 0 {
				j++
			}
			toks = append(toks, token{kind: tokLiteral, text: s[i:j]})
			i = j
		}
	}
	return toks
}

func decodeString(raw string) string {
	if v, err := strconv.Unquote(`"` + raw + `"`); err == nil {
		return v
	}
	return raw
}

// scrapeBrands collects "brand" string values found inside the mentions and
// competitors arrays of malformed JSON.
func scrapeBrands(s string) (mentions, competitors []string) {
	type frame struct {
		open byte
		key  string
	}
	toks := tokenize(s)
	var stack []frame
	pendingKey := ""

	section := func() string {
		for i := len(stack) - 1; i >= 0; i-- {
			if stack[i].open != '[' {
				continue
			}
			switch strings.ToLower(stack[i].key) {
			case "mentions", "competitors":
				return strings.ToLower(stack[i].key)
			}
		}
		return ""
	}

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch t.kind {
		case tokString:
			if i+1 < len(toks) && toks[i+1].kind == tokPunct && toks[i+1].text == ":" {
				pendingKey = t.text
				i++
				continue
			}
			if strings.EqualFold(pendingKey, "brand") {
				if v := strings.TrimSpace(t.text); v != "" {
					switch section() {
					case "mentions":
						mentions = append(mentions, v)
					case "competitors":
						competitors = append(competitors, v)
					}
				}
			}
			pendingKey = ""
		case tokPunct:
			switch t.text {
			case "{", "[":
				stack = append(stack, frame{open: t.text[0], key: pendingKey})
				pendingKey = ""
			case "}", "]":
				if len(stack) > 0 {
					stack = stack[:len(stack)-1]
				}
				pendingKey = ""
			case ",":
				pendingKey = ""
			}
		default:
			pendingKey = ""
		}
	}
	return mentions, competitors
}
