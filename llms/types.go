package llms

import "context"

// ============================================================================
// LLM PROVIDER TYPES
// ============================================================================

// Message represents a message in the conversation. The same shape is used
// on the wire and in persisted transcripts, so it carries the transcript
// annotations (timestamp, turn number) alongside the chat fields.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Timestamp  string     `json:"timestamp,omitempty"`
	TurnNumber int        `json:"turn_number,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// ToolDefinition describes a tool exposed to the model
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Error represents an API error
type Error struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Provider is the interface for chat-completions model providers
type Provider interface {
	// Generate produces a response given conversation messages and the
	// tools the model may call
	Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []ToolCall, int, error)

	// GetModelName returns the model name
	GetModelName() string

	// Close closes the provider and releases resources
	Close() error
}
