// Package sessions defines the two-level session model: outer sessions are
// the user-visible conversation containers, inner sessions are the execution
// timelines living inside them. Rollbacks branch new inner sessions instead
// of mutating existing ones.
package sessions

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentgit/agentgit/llms"
)

// InnerSession is one execution timeline within an outer session. It owns
// the agent state and transcript and records its branch ancestry.
type InnerSession struct {
	ID                      int64                  `json:"id"`
	OuterSessionID          int64                  `json:"external_session_id"`
	GraphSessionID          string                 `json:"langgraph_session_id"`
	SessionState            map[string]interface{} `json:"session_state"`
	ConversationHistory     []llms.Message         `json:"conversation_history"`
	CreatedAt               time.Time              `json:"created_at"`
	IsCurrent               bool                   `json:"is_current"`
	CheckpointCount         int                    `json:"checkpoint_count"`
	ParentSessionID         *int64                 `json:"parent_session_id,omitempty"`
	BranchPointCheckpointID *int64                 `json:"branch_point_checkpoint_id,omitempty"`
	ToolInvocationCount     int                    `json:"tool_invocation_count"`
	Metadata                map[string]interface{} `json:"metadata,omitempty"`
}

// NewGraphSessionID returns a fresh timeline identifier of the form
// langgraph_<12 hex chars>.
func NewGraphSessionID() string {
	id := uuid.New()
	return fmt.Sprintf("langgraph_%x", id[:6])
}

// NewInnerSession creates a fresh timeline for an outer session.
func NewInnerSession(outerSessionID int64) *InnerSession {
	return &InnerSession{
		OuterSessionID:      outerSessionID,
		GraphSessionID:      NewGraphSessionID(),
		SessionState:        make(map[string]interface{}),
		ConversationHistory: []llms.Message{},
		CreatedAt:           time.Now(),
		IsCurrent:           true,
		Metadata:            make(map[string]interface{}),
	}
}

// NewBranch creates a timeline branched from a checkpoint. State and
// transcript are value copies of the checkpoint snapshot; the source
// timeline is left untouched.
func NewBranch(outerSessionID, parentSessionID, checkpointID int64, branchedFrom string, state map[string]interface{}, history []llms.Message) *InnerSession {
	now := time.Now()
	parent := parentSessionID
	cp := checkpointID
	return &InnerSession{
		OuterSessionID:          outerSessionID,
		GraphSessionID:          NewGraphSessionID(),
		SessionState:            CloneState(state),
		ConversationHistory:     CloneMessages(history),
		CreatedAt:               now,
		IsCurrent:               true,
		ParentSessionID:         &parent,
		BranchPointCheckpointID: &cp,
		Metadata: map[string]interface{}{
			"branched_from":     branchedFrom,
			"branch_created_at": now.Format(time.RFC3339Nano),
			"session_type":      "langgraph",
		},
	}
}

// AddMessage appends a message to the transcript, stamping it with a
// timestamp and, for user messages, a turn number. The turn number is the
// count of user messages so far, this one included.
func (s *InnerSession) AddMessage(role, content string) llms.Message {
	msg := llms.Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().Format(time.RFC3339Nano),
	}
	if role == "user" {
		msg.TurnNumber = s.UserTurnCount() + 1
	}
	s.ConversationHistory = append(s.ConversationHistory, msg)
	return msg
}

// AppendMessage appends a pre-built message (tool results, assistant
// messages carrying tool calls) without annotation.
func (s *InnerSession) AppendMessage(msg llms.Message) {
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().Format(time.RFC3339Nano)
	}
	s.ConversationHistory = append(s.ConversationHistory, msg)
}

// UserTurnCount returns the number of user messages in the transcript.
func (s *InnerSession) UserTurnCount() int {
	count := 0
	for _, m := range s.ConversationHistory {
		if m.Role == "user" {
			count++
		}
	}
	return count
}

// UpdateState merges updates into the session state.
func (s *InnerSession) UpdateState(updates map[string]interface{}) {
	if s.SessionState == nil {
		s.SessionState = make(map[string]interface{})
	}
	for k, v := range updates {
		s.SessionState[k] = v
	}
}

// IncrementToolCount bumps the tool invocation counter.
func (s *InnerSession) IncrementToolCount(count int) {
	s.ToolInvocationCount += count
}

// IsBranch reports whether this timeline was created by a rollback.
func (s *InnerSession) IsBranch() bool {
	return s.ParentSessionID != nil
}

// BranchInfo returns branch ancestry details.
func (s *InnerSession) BranchInfo() map[string]interface{} {
	info := map[string]interface{}{
		"is_branch":             s.IsBranch(),
		"created_from_rollback": s.IsBranch(),
	}
	if s.ParentSessionID != nil {
		info["parent_session_id"] = *s.ParentSessionID
	}
	if s.BranchPointCheckpointID != nil {
		info["branch_checkpoint_id"] = *s.BranchPointCheckpointID
	}
	return info
}

// Statistics summarizes the timeline for display.
func (s *InnerSession) Statistics() map[string]interface{} {
	assistant := 0
	for _, m := range s.ConversationHistory {
		if m.Role == "assistant" {
			assistant++
		}
	}
	return map[string]interface{}{
		"total_messages":     len(s.ConversationHistory),
		"user_messages":      s.UserTurnCount(),
		"assistant_messages": assistant,
		"checkpoints":        s.CheckpointCount,
		"tool_invocations":   s.ToolInvocationCount,
		"is_active":          s.IsCurrent,
		"is_branch":          s.IsBranch(),
	}
}

// UpdateMetadata merges entries into the session metadata.
func (s *InnerSession) UpdateMetadata(metadata map[string]interface{}) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]interface{})
	}
	for k, v := range metadata {
		s.Metadata[k] = v
	}
}

// CloneState returns a deep copy of a state map. Values survive a JSON
// round trip, which is also how they are persisted.
func CloneState(state map[string]interface{}) map[string]interface{} {
	if state == nil {
		return make(map[string]interface{})
	}
	data, err := json.Marshal(state)
	if err != nil {
		// State maps originate from JSON; this only fires on values that
		// could never be persisted anyway.
		return make(map[string]interface{})
	}
	clone := make(map[string]interface{})
	if err := json.Unmarshal(data, &clone); err != nil {
		return make(map[string]interface{})
	}
	return clone
}

// CloneMessages returns a deep copy of a transcript.
func CloneMessages(history []llms.Message) []llms.Message {
	if history == nil {
		return []llms.Message{}
	}
	data, err := json.Marshal(history)
	if err != nil {
		return []llms.Message{}
	}
	clone := []llms.Message{}
	if err := json.Unmarshal(data, &clone); err != nil {
		return []llms.Message{}
	}
	return clone
}
