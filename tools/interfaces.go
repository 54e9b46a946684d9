package tools

import (
	"context"

	"github.com/agentgit/agentgit/llms"
)

// ============================================================================
// REVERSIBLE TOOL INTERFACES
// ============================================================================

// Reserved checkpoint-management tool names. Invocations of these are never
// reverse-executed during a rollback walk.
var CheckpointToolNames = map[string]struct{}{
	"create_checkpoint":        {},
	"list_checkpoints":         {},
	"rollback_to_checkpoint":   {},
	"delete_checkpoint":        {},
	"get_checkpoint_info":      {},
	"cleanup_auto_checkpoints": {},
}

// IsCheckpointTool reports whether name is a reserved checkpoint tool.
func IsCheckpointTool(name string) bool {
	_, ok := CheckpointToolNames[name]
	return ok
}

// ForwardFunc executes a tool with the given arguments
type ForwardFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// ReverseFunc compensates a prior forward execution. It receives the
// original arguments and the forward result.
type ReverseFunc func(ctx context.Context, args map[string]interface{}, result interface{}) error

// ToolParameter represents a tool parameter definition
type ToolParameter struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Required    bool     `json:"required"`
	Enum        []string `json:"enum,omitempty"`
}

// ToolSpec is the specification of a reversible tool. Reverse is optional;
// tools without one cannot be compensated and rollback reports them as such.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  []ToolParameter
	Forward     ForwardFunc
	Reverse     ReverseFunc
}

// Definition converts the spec into the wire-level tool definition exposed
// to the model.
func (s ToolSpec) Definition() llms.ToolDefinition {
	properties := make(map[string]interface{})
	required := []string{}
	for _, p := range s.Parameters {
		prop := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	return llms.ToolDefinition{
		Name:        s.Name,
		Description: s.Description,
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": properties,
			"required":   required,
		},
	}
}

// ToolInvocationRecord is one entry on the tool track
type ToolInvocationRecord struct {
	ToolName     string                 `json:"tool_name"`
	Args         map[string]interface{} `json:"args"`
	Result       interface{}            `json:"result"`
	Success      bool                   `json:"success"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// ReverseInvocationResult is the outcome of one compensating execution
type ReverseInvocationResult struct {
	ToolName             string `json:"tool_name"`
	ReversedSuccessfully bool   `json:"reversed_successfully"`
	ErrorMessage         string `json:"error_message,omitempty"`
}
