package extract

import (
	"net/url"
	"strings"

	"mvdan.cc/xurls/v2"

	"github.com/sells-group/visibility-cli/internal/model"
)

var (
	strictURLs  = xurls.Strict()
	relaxedURLs = xurls.Relaxed()
)

// Citation confidence by source.
const (
	nativeCitationConfidence     = 0.95
	modelCitationConfidence      = 0.85
	schemeCitationConfidence     = 0.8
	bareDomainCitationConfidence = 0.6
)

// NormalizeURL trims punctuation, adds a scheme when missing and returns the
// canonical URL and its domain without "www.". ok is false for values that
// are not web URLs.
func NormalizeURL(raw string) (canonical, domain string, ok bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimRight(raw, ".,;:!?)]}'\"")
	if raw == "" || strings.Contains(raw, "@") && !strings.Contains(raw, "/") {
		return "", "", false
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", "", false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || !strings.Contains(host, ".") {
		return "", "", false
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.Path == "/" {
		u.Path = ""
	}
	return u.String(), strings.TrimPrefix(host, "www."), true
}

// citationSet ranks URLs by first appearance and drops duplicates.
type citationSet struct {
	seen map[string]bool
	out  []model.CitationRef
}

func newCitationSet() *citationSet {
	return &citationSet{seen: make(map[string]bool)}
}

func (s *citationSet) add(raw string, conf float64) {
	canonical, domain, ok := NormalizeURL(raw)
	if !ok {
		return
	}
	key := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(canonical, "https://"), "http://"), "/")
	key = strings.TrimPrefix(key, "www.")
	if s.seen[key] {
		return
	}
	s.seen[key] = true
	s.out = append(s.out, model.CitationRef{
		URL:        canonical,
		Domain:     domain,
		Rank:       len(s.out) + 1,
		Confidence: conf,
	})
}

// ExtractCitations merges provider-native citations, model-reported URLs
// and a sweep of URLs found in the answer text.
func ExtractCitations(answer string, native, reported []string) []model.CitationRef {
	set := newCitationSet()
	for _, u := range native {
		set.add(u, nativeCitationConfidence)
	}
	for _, u := range reported {
		set.add(u, modelCitationConfidence)
	}

	strict := make(map[string]bool)
	for _, u := range strictURLs.FindAllString(answer, -1) {
		strict[u] = true
		set.add(u, schemeCitationConfidence)
	}
	for _, u := range relaxedURLs.FindAllString(answer, -1) {
		if strict[u] {
			continue
		}
		set.add(u, bareDomainCitationConfidence)
	}

	if set.out == nil {
		return []model.CitationRef{}
	}
	return set.out
}
