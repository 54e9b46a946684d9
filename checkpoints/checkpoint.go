// Package checkpoints defines the checkpoint snapshot model. A checkpoint
// is a value copy of an inner session's state, transcript, and tool
// invocation history at a moment in time; restoring one branches a new
// timeline instead of rewinding the old one.
package checkpoints

import (
	"fmt"
	"time"

	"github.com/agentgit/agentgit/llms"
	"github.com/agentgit/agentgit/sessions"
	"github.com/agentgit/agentgit/tools"
)

// Checkpoint captures the complete state of an inner session at a specific
// point in time.
type Checkpoint struct {
	ID                  int64                        `json:"id"`
	InnerSessionID      int64                        `json:"internal_session_id"`
	CheckpointName      string                       `json:"checkpoint_name,omitempty"`
	SessionState        map[string]interface{}       `json:"session_state"`
	ConversationHistory []llms.Message               `json:"conversation_history"`
	IsAuto              bool                         `json:"is_auto"`
	CreatedAt           time.Time                    `json:"created_at"`
	Metadata            map[string]interface{}       `json:"metadata,omitempty"`
	UserID              *int64                       `json:"user_id,omitempty"`
	ToolInvocations     []tools.ToolInvocationRecord `json:"tool_invocations"`
}

// FromInnerSession snapshots an inner session. State, transcript, and tool
// invocations are copied by value; later session activity cannot leak into
// the checkpoint. The tool track position is stamped by the caller once the
// live track length is known.
func FromInnerSession(session *sessions.InnerSession, name string, isAuto bool, userID *int64, invocations []tools.ToolInvocationRecord) *Checkpoint {
	copied := make([]tools.ToolInvocationRecord, len(invocations))
	copy(copied, invocations)

	return &Checkpoint{
		InnerSessionID:      session.ID,
		CheckpointName:      name,
		SessionState:        sessions.CloneState(session.SessionState),
		ConversationHistory: sessions.CloneMessages(session.ConversationHistory),
		IsAuto:              isAuto,
		CreatedAt:           time.Now(),
		UserID:              userID,
		ToolInvocations:     copied,
		Metadata: map[string]interface{}{
			"session_id":          session.GraphSessionID,
			"session_type":        "langgraph",
			"checkpoint_count":    session.CheckpointCount + 1,
			"tool_track_position": 0,
		},
	}
}

// BranchSession creates a new inner session branched from this checkpoint.
func (c *Checkpoint) BranchSession(outerSessionID, parentSessionID int64) *sessions.InnerSession {
	return sessions.NewBranch(outerSessionID, parentSessionID, c.ID, c.DisplayName(), c.SessionState, c.ConversationHistory)
}

// DisplayName returns the checkpoint name, or a positional fallback for
// unnamed checkpoints.
func (c *Checkpoint) DisplayName() string {
	if c.CheckpointName != "" {
		return c.CheckpointName
	}
	return fmt.Sprintf("Checkpoint %d", c.ID)
}

// ToolTrackPosition returns the recorded track cursor, or 0 when unset.
func (c *Checkpoint) ToolTrackPosition() int {
	if c.Metadata == nil {
		return 0
	}
	switch v := c.Metadata["tool_track_position"].(type) {
	case int:
		return v
	case float64:
		// JSON round trips numbers as float64
		return int(v)
	}
	return 0
}

// SetToolTrackPosition stamps the track cursor into the metadata.
func (c *Checkpoint) SetToolTrackPosition(position int) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]interface{})
	}
	c.Metadata["tool_track_position"] = position
}

// HasToolInvocations reports whether any tool calls were recorded before
// this checkpoint.
func (c *Checkpoint) HasToolInvocations() bool {
	return len(c.ToolInvocations) > 0
}

// Summary renders a human-readable description for listings.
func (c *Checkpoint) Summary() string {
	kind := "Manual"
	if c.IsAuto {
		kind = "Auto"
	}
	created := "unknown"
	if !c.CreatedAt.IsZero() {
		created = c.CreatedAt.Format("2006-01-02 15:04:05")
	}
	name := c.CheckpointName
	if name == "" {
		name = "Unnamed"
	}
	return fmt.Sprintf("%s (%s)\nCreated: %s\nMessages: %d, Tool calls: %d",
		name, kind, created, len(c.ConversationHistory), len(c.ToolInvocations))
}
