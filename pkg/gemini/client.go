// Package gemini wraps the Google Gemini generative API.
package gemini

import (
	"context"
	"errors"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rotisserie/eris"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/sells-group/visibility-cli/internal/resilience"
)

// Client generates a single answer for a prompt.
type Client interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	Close() error
}

// GenerateRequest is a single-turn generation request.
type GenerateRequest struct {
	Model       string
	Prompt      string
	Temperature *float32
	JSON        bool
}

// GenerateResponse carries the answer text and token usage.
type GenerateResponse struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

type sdkClient struct {
	client *genai.Client
}

// NewClient creates a Gemini client for apiKey.
func NewClient(ctx context.Context, apiKey string, opts ...option.ClientOption) (Client, error) {
	if apiKey == "" {
		return nil, eris.New("gemini: api key is required")
	}
	all := append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	c, err := genai.NewClient(ctx, all...)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create client")
	}
	return &sdkClient{client: c}, nil
}

func (c *sdkClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	model := c.client.GenerativeModel(req.Model)
	if req.Temperature != nil {
		model.SetTemperature(*req.Temperature)
	}
	if req.JSON {
		model.ResponseMIMEType = "application/json"
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return nil, eris.Wrap(classify(err), "gemini: generate content")
	}
	return fromResponse(resp)
}

func (c *sdkClient) Close() error {
	return c.client.Close()
}

func fromResponse(resp *genai.GenerateContentResponse) (*GenerateResponse, error) {
	text, err := responseText(resp)
	if err != nil {
		return nil, err
	}
	out := &GenerateResponse{Text: text}
	if resp.UsageMetadata != nil {
		out.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", eris.New("gemini: no candidates in response")
	}
	cand := resp.Candidates[0]
	if cand.Content == nil || len(cand.Content.Parts) == 0 {
		return "", eris.New("gemini: no content in response")
	}

	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	if sb.Len() == 0 {
		return "", eris.New("gemini: no text parts in response")
	}
	return sb.String(), nil
}

func classify(err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return resilience.StatusError("gemini", gErr.Code, gErr.Message)
	}
	return err
}
