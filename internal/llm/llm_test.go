package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Model     string `json:"model"`
	MaxTokens int64  `json:"max_tokens"`
	System    []struct {
		Text string `json:"text"`
	} `json:"system"`
	Messages []struct {
		Role    string `json:"role"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"messages"`
}

func newTestClient(t *testing.T, status int, body string, got *capturedRequest) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		if got != nil {
			require.NoError(t, json.Unmarshal(data, got))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return NewClient("test-key", "", 0, option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))
}

func messageBody(blocks string) string {
	return `{"id":"msg_1","type":"message","role":"assistant","model":"claude-haiku-4-5-20251001",
		"content":` + blocks + `,"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":3}}`
}

func TestGenerate(t *testing.T) {
	var got capturedRequest
	c := newTestClient(t, http.StatusOK, messageBody(`[{"type":"text","text":"ls -la"}]`), &got)

	text, err := c.Generate(context.Background(), "only commands", "list files")
	require.NoError(t, err)
	assert.Equal(t, "ls -la", text)

	assert.Equal(t, DefaultModel, got.Model)
	assert.Equal(t, int64(DefaultMaxTokens), got.MaxTokens)
	require.Len(t, got.System, 1)
	assert.Equal(t, "only commands", got.System[0].Text)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "list files", got.Messages[0].Content[0].Text)
}

func TestGenerate_EmptyResponse(t *testing.T) {
	c := newTestClient(t, http.StatusOK, messageBody(`[]`), nil)

	_, err := c.Generate(context.Background(), "s", "u")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestGenerate_BlankText(t *testing.T) {
	c := newTestClient(t, http.StatusOK, messageBody(`[{"type":"text","text":"  \n"}]`), nil)

	_, err := c.Generate(context.Background(), "s", "u")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestGenerate_APIError(t *testing.T) {
	c := newTestClient(t, http.StatusBadRequest,
		`{"type":"error","error":{"type":"invalid_request_error","message":"bad model"}}`, nil)

	_, err := c.Generate(context.Background(), "s", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic API call")
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient("", "", 0)
	assert.Equal(t, DefaultModel, c.Model())
	assert.Equal(t, int64(DefaultMaxTokens), c.maxTokens)

	c = NewClient("k", "claude-sonnet-4-5", 1024)
	assert.Equal(t, "claude-sonnet-4-5", c.Model())
	assert.Equal(t, int64(1024), c.maxTokens)
}
