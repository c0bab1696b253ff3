// Package serpapi fetches Google AI Overview answers through SerpApi.
package serpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/resilience"
)

const defaultBaseURL = "https://serpapi.com"

// ErrNoOverview is returned when the search result carries no AI Overview.
var ErrNoOverview = eris.New("serpapi: no ai overview for query")

// Client fetches the AI Overview shown for a Google query.
type Client interface {
	AIOverview(ctx context.Context, query string) (*Overview, error)
}

// Overview is the flattened AI Overview block.
type Overview struct {
	TextBlocks []TextBlock `json:"text_blocks"`
	References []Reference `json:"references,omitempty"`
	PageToken  string      `json:"page_token,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// TextBlock is one paragraph, heading or list of the overview.
type TextBlock struct {
	Type    string      `json:"type"`
	Snippet string      `json:"snippet,omitempty"`
	List    []TextBlock `json:"list,omitempty"`
}

// Reference is a source cited by the overview.
type Reference struct {
	Title  string `json:"title"`
	Link   string `json:"link"`
	Source string `json:"source,omitempty"`
	Index  int    `json:"index"`
}

// Text flattens the text blocks into plain text, one block per line.
func (o *Overview) Text() string {
	if o == nil {
		return ""
	}
	var lines []string
	var walk func(blocks []TextBlock, prefix string)
	walk = func(blocks []TextBlock, prefix string) {
		for _, b := range blocks {
			if s := strings.TrimSpace(b.Snippet); s != "" {
				lines = append(lines, prefix+s)
			}
			if len(b.List) > 0 {
				walk(b.List, "- ")
			}
		}
	}
	walk(o.TextBlocks, "")
	return strings.Join(lines, "\n")
}

// Links returns reference URLs ordered by index.
func (o *Overview) Links() []string {
	if o == nil {
		return nil
	}
	out := make([]string, 0, len(o.References))
	for _, r := range o.References {
		if r.Link != "" {
			out = append(out, r.Link)
		}
	}
	return out
}

type searchResponse struct {
	AIOverview *Overview `json:"ai_overview"`
	Error      string    `json:"error"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithLocation sets the search location parameter.
func WithLocation(loc string) Option {
	return func(c *httpClient) {
		c.location = loc
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey   string
	baseURL  string
	location string
	http     *http.Client
}

// NewClient creates a SerpApi client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AIOverview runs a Google search and returns its AI Overview. When Google
// defers the overview behind a page token a second request fetches it.
func (c *httpClient) AIOverview(ctx context.Context, query string) (*Overview, error) {
	params := url.Values{}
	params.Set("engine", "google")
	params.Set("q", query)
	if c.location != "" {
		params.Set("location", c.location)
	}

	res, err := c.search(ctx, params)
	if err != nil {
		return nil, err
	}
	ov := res.AIOverview
	if ov != nil && len(ov.TextBlocks) == 0 && ov.PageToken != "" {
		follow := url.Values{}
		follow.Set("engine", "google_ai_overview")
		follow.Set("page_token", ov.PageToken)
		res, err = c.search(ctx, follow)
		if err != nil {
			return nil, err
		}
		ov = res.AIOverview
	}
	if ov == nil || len(ov.TextBlocks) == 0 {
		return nil, ErrNoOverview
	}
	return ov, nil
}

func (c *httpClient) search(ctx context.Context, params url.Values) (*searchResponse, error) {
	params.Set("api_key", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search.json?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "serpapi: create request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "serpapi: send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "serpapi: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resilience.StatusError("serpapi", resp.StatusCode, string(body))
	}

	var out searchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "serpapi: unmarshal response")
	}
	if out.Error != "" {
		return nil, eris.Errorf("serpapi: %s", out.Error)
	}
	return &out, nil
}
