package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTextResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req OpenAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		resp := OpenAIResponse{
			Choices: []Choice{{
				Message:      OpenAIMessage{Role: "assistant", Content: "hello there"},
				FinishReason: "stop",
			}},
			Usage: Usage{TotalTokens: 42},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider := NewOpenAIProvider("test-key", "gpt-4o-mini").WithBaseURL(server.URL)

	messages := []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	}
	text, toolCalls, tokens, err := provider.Generate(context.Background(), messages, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)
	assert.Empty(t, toolCalls)
	assert.Equal(t, 42, tokens)
}

func TestGenerateToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req OpenAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "add_numbers", req.Tools[0].Function.Name)

		resp := OpenAIResponse{
			Choices: []Choice{{
				Message: OpenAIMessage{
					Role: "assistant",
					ToolCalls: []OpenAIToolCall{{
						ID:   "call_1",
						Type: "function",
						Function: OpenAIFunctionCall{
							Name:      "add_numbers",
							Arguments: `{"a": 2, "b": 3}`,
						},
					}},
				},
				FinishReason: "tool_calls",
			}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider := NewOpenAIProvider("test-key", "gpt-4o-mini").WithBaseURL(server.URL)

	tools := []ToolDefinition{{
		Name:        "add_numbers",
		Description: "Add two numbers",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"a": map[string]interface{}{"type": "number"},
				"b": map[string]interface{}{"type": "number"},
			},
		},
	}}

	_, toolCalls, _, err := provider.Generate(context.Background(), []Message{{Role: "user", Content: "add"}}, tools)
	require.NoError(t, err)
	require.Len(t, toolCalls, 1)
	assert.Equal(t, "call_1", toolCalls[0].ID)
	assert.Equal(t, "add_numbers", toolCalls[0].Name)
	assert.Equal(t, float64(2), toolCalls[0].Arguments["a"])
}

func TestGenerateAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(OpenAIResponse{
			Error: &Error{Message: "invalid api key", Type: "auth_error"},
		})
	}))
	defer server.Close()

	provider := NewOpenAIProvider("bad-key", "gpt-4o-mini").WithBaseURL(server.URL)

	_, _, _, err := provider.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestBuildRequestRoundTripsToolHistory(t *testing.T) {
	provider := NewOpenAIProvider("k", "m")

	messages := []Message{
		{Role: "user", Content: "add them"},
		{Role: "assistant", ToolCalls: []ToolCall{{
			ID:        "call_9",
			Name:      "add_numbers",
			Arguments: map[string]interface{}{"a": float64(1)},
		}}},
		{Role: "tool", Content: "1", ToolCallID: "call_9", Name: "add_numbers"},
	}

	req := provider.buildRequest(messages, nil)
	require.Len(t, req.Messages, 3)
	require.Len(t, req.Messages[1].ToolCalls, 1)
	assert.Equal(t, "function", req.Messages[1].ToolCalls[0].Type)
	assert.JSONEq(t, `{"a":1}`, req.Messages[1].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "call_9", req.Messages[2].ToolCallID)
}
