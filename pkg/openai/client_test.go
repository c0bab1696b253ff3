package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visibility-cli/internal/resilience"
)

func newTestClient(t *testing.T, status int, body string) Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "gpt-4o-mini", payload["model"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return NewClient("sk-test", option.WithBaseURL(srv.URL))
}

func TestComplete_Success(t *testing.T) {
	c := newTestClient(t, http.StatusOK, `{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"model": "gpt-4o-mini",
		"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "Acme is great."}}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
	}`)

	resp, err := c.Complete(context.Background(), CompletionRequest{Model: "gpt-4o-mini", Prompt: "best crm?"})
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, "Acme is great.", resp.Text)
	assert.Equal(t, int64(12), resp.InputTokens)
	assert.Equal(t, int64(4), resp.OutputTokens)
}

func TestComplete_NoChoices(t *testing.T) {
	c := newTestClient(t, http.StatusOK, `{"id":"x","object":"chat.completion","model":"gpt-4o-mini","choices":[],"usage":{}}`)

	_, err := c.Complete(context.Background(), CompletionRequest{Model: "gpt-4o-mini", Prompt: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestComplete_Unauthorized(t *testing.T) {
	c := newTestClient(t, http.StatusUnauthorized, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`)

	_, err := c.Complete(context.Background(), CompletionRequest{Model: "gpt-4o-mini", Prompt: "q"})
	require.Error(t, err)
	assert.True(t, resilience.IsAuth(err))
	assert.False(t, resilience.IsTransient(err))
}

func TestComplete_RateLimited(t *testing.T) {
	c := newTestClient(t, http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit"}}`)

	_, err := c.Complete(context.Background(), CompletionRequest{Model: "gpt-4o-mini", Prompt: "q"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.True(t, resilience.IsRateLimited(err))
}
