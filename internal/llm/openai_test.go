package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIComplete(t *testing.T) {
	var captured openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "hello back"}},
			},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 4},
		})
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.URL+"/v1", "test-key", "gpt-test", 5*time.Second)
	resp, err := client.Complete(context.Background(), Request{
		System:      "be brief",
		Messages:    []Message{{Role: RoleUser, Content: "hello"}},
		Temperature: 0.3,
		MaxTokens:   128,
	})
	require.NoError(t, err)

	assert.Equal(t, "hello back", resp.Text)
	assert.Equal(t, int64(12), resp.Usage.InputTokens)
	assert.Equal(t, int64(4), resp.Usage.OutputTokens)

	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "be brief", captured.Messages[0].Content)
	assert.Equal(t, "gpt-test", captured.Model)
	assert.Equal(t, 128, captured.MaxTokens)
}

func TestOpenAICompleteToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "emit_chunks", req.Tools[0].Function.Name)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "emit_chunks",
							"arguments": `{"chunks":[]}`,
						},
					}},
				},
				"finish_reason": "tool_calls",
			}},
		})
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.URL, "k", "m", 5*time.Second)
	resp, err := client.Complete(context.Background(), Request{
		Messages:  []Message{{Role: RoleUser, Content: "go"}},
		Tools:     []Tool{{Name: "emit_chunks", Description: "emit", Parameters: map[string]any{"type": "object"}}},
		ForceTool: "emit_chunks",
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "emit_chunks", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"chunks":[]}`, string(resp.ToolCalls[0].Arguments))
}

func TestOpenAICompleteAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.URL, "k", "m", 5*time.Second)
	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "x"}},
	})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "rate limited", apiErr.Message)
	assert.True(t, apiErr.Retryable())
}

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, EstimateTokens(""))
	assert.Positive(t, EstimateTokens("hello world"))

	short := EstimateTokens("hi")
	long := EstimateTokens("this is a considerably longer sentence with many more words in it")
	assert.Greater(t, long, short)
}

func TestTruncateByTokens(t *testing.T) {
	items := []string{"alpha beta gamma", "delta epsilon", "zeta eta theta iota"}

	assert.Equal(t, 0, TruncateByTokens(items, 0))
	assert.Equal(t, len(items), TruncateByTokens(items, 1_000_000))

	first := EstimateTokens(items[0])
	kept := TruncateByTokens(items, first)
	assert.Equal(t, 1, kept)
}
