package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// OPENAI-COMPATIBLE PROVIDER
// ============================================================================

const defaultOpenAIHost = "https://api.openai.com/v1"

// OpenAIProvider implements Provider against any OpenAI-compatible
// chat-completions endpoint
type OpenAIProvider struct {
	model       string
	apiKey      string
	host        string
	temperature float64
	maxTokens   int
	client      *http.Client
}

// OpenAIRequest represents the request payload for the chat completions API
type OpenAIRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
	Tools       []OpenAITool    `json:"tools,omitempty"`
}

// OpenAIMessage is the wire form of a conversation message
type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

// OpenAITool wraps a function definition for the tools array
type OpenAITool struct {
	Type     string             `json:"type"`
	Function OpenAIToolFunction `json:"function"`
}

// OpenAIToolFunction describes a callable function
type OpenAIToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// OpenAIToolCall is a tool call as returned by the API
type OpenAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function OpenAIFunctionCall `json:"function"`
}

// OpenAIFunctionCall carries the function name and JSON-encoded arguments
type OpenAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// OpenAIResponse represents the response from the chat completions API
type OpenAIResponse struct {
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
	Error   *Error   `json:"error,omitempty"`
}

// Choice represents a response choice
type Choice struct {
	Message      OpenAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// NewOpenAIProvider creates a provider against the default OpenAI host
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	return &OpenAIProvider{
		model:       model,
		apiKey:      apiKey,
		host:        defaultOpenAIHost,
		temperature: 0.7,
		maxTokens:   2000,
		client:      &http.Client{Timeout: 60 * time.Second},
	}
}

// WithBaseURL sets a custom base URL (useful for proxies or local servers)
func (p *OpenAIProvider) WithBaseURL(baseURL string) *OpenAIProvider {
	if baseURL != "" {
		p.host = strings.TrimSuffix(baseURL, "/")
	}
	return p
}

// WithTemperature sets the temperature for generation
func (p *OpenAIProvider) WithTemperature(temperature float64) *OpenAIProvider {
	p.temperature = temperature
	return p
}

// WithMaxTokens sets the maximum tokens for generation
func (p *OpenAIProvider) WithMaxTokens(maxTokens int) *OpenAIProvider {
	p.maxTokens = maxTokens
	return p
}

// Generate produces a response given conversation messages and tools
func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []ToolCall, int, error) {
	request := p.buildRequest(messages, tools)

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return "", nil, 0, err
	}

	if response.Error != nil {
		return "", nil, 0, fmt.Errorf("API error: %s", response.Error.Message)
	}

	if len(response.Choices) == 0 {
		return "", nil, 0, fmt.Errorf("no response choices returned")
	}

	choice := response.Choices[0]
	toolCalls, err := parseToolCalls(choice.Message.ToolCalls)
	if err != nil {
		return "", nil, 0, err
	}

	return choice.Message.Content, toolCalls, response.Usage.TotalTokens, nil
}

// GetModelName returns the model name
func (p *OpenAIProvider) GetModelName() string {
	return p.model
}

// Close closes the provider and releases resources
func (p *OpenAIProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

func (p *OpenAIProvider) buildRequest(messages []Message, tools []ToolDefinition) OpenAIRequest {
	wireMessages := make([]OpenAIMessage, 0, len(messages))
	for _, msg := range messages {
		wire := OpenAIMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		for _, tc := range msg.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			wire.ToolCalls = append(wire.ToolCalls, OpenAIToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: OpenAIFunctionCall{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		wireMessages = append(wireMessages, wire)
	}

	request := OpenAIRequest{
		Model:       p.model,
		Messages:    wireMessages,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	}

	for _, tool := range tools {
		request.Tools = append(request.Tools, OpenAITool{
			Type: "function",
			Function: OpenAIToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	return request
}

func (p *OpenAIProvider) makeRequest(ctx context.Context, request OpenAIRequest) (*OpenAIResponse, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := p.host + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response OpenAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK && response.Error == nil {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return &response, nil
}

func parseToolCalls(wireCalls []OpenAIToolCall) ([]ToolCall, error) {
	var toolCalls []ToolCall
	for _, wc := range wireCalls {
		args := make(map[string]interface{})
		if wc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(wc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("failed to parse arguments for tool %s: %w", wc.Function.Name, err)
			}
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:        wc.ID,
			Name:      wc.Function.Name,
			Arguments: args,
		})
	}
	return toolCalls, nil
}
