package checkpoints

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgit/agentgit/sessions"
	"github.com/agentgit/agentgit/tools"
)

func TestFromInnerSessionCopiesByValue(t *testing.T) {
	inner := sessions.NewInnerSession(1)
	inner.ID = 7
	inner.CheckpointCount = 2
	inner.SessionState["counter"] = float64(5)
	inner.AddMessage("user", "hello")

	invocations := []tools.ToolInvocationRecord{
		{ToolName: "increment", Success: true, Result: float64(5)},
	}

	cp := FromInnerSession(inner, "before change", false, nil, invocations)

	assert.Equal(t, int64(7), cp.InnerSessionID)
	assert.Equal(t, "before change", cp.CheckpointName)
	assert.False(t, cp.IsAuto)
	assert.Equal(t, inner.GraphSessionID, cp.Metadata["session_id"])
	assert.Equal(t, "langgraph", cp.Metadata["session_type"])
	assert.Equal(t, 3, cp.Metadata["checkpoint_count"])

	// Later session activity must not leak into the snapshot
	inner.SessionState["counter"] = float64(99)
	inner.AddMessage("user", "more")
	invocations[0].ToolName = "mutated"

	assert.Equal(t, float64(5), cp.SessionState["counter"])
	assert.Len(t, cp.ConversationHistory, 1)
	assert.Equal(t, "increment", cp.ToolInvocations[0].ToolName)
}

func TestToolTrackPosition(t *testing.T) {
	cp := &Checkpoint{}
	assert.Equal(t, 0, cp.ToolTrackPosition())

	cp.SetToolTrackPosition(4)
	assert.Equal(t, 4, cp.ToolTrackPosition())

	// JSON deserialization yields float64
	cp.Metadata["tool_track_position"] = float64(6)
	assert.Equal(t, 6, cp.ToolTrackPosition())
}

func TestDisplayName(t *testing.T) {
	named := &Checkpoint{ID: 3, CheckpointName: "milestone"}
	assert.Equal(t, "milestone", named.DisplayName())

	unnamed := &Checkpoint{ID: 3}
	assert.Equal(t, "Checkpoint 3", unnamed.DisplayName())
}

func TestBranchSession(t *testing.T) {
	inner := sessions.NewInnerSession(1)
	inner.ID = 7
	inner.SessionState["k"] = "v"
	inner.AddMessage("user", "hi")

	cp := FromInnerSession(inner, "fork point", false, nil, nil)
	cp.ID = 42

	branch := cp.BranchSession(1, 7)
	require.NotNil(t, branch.ParentSessionID)
	assert.Equal(t, int64(7), *branch.ParentSessionID)
	require.NotNil(t, branch.BranchPointCheckpointID)
	assert.Equal(t, int64(42), *branch.BranchPointCheckpointID)
	assert.Equal(t, "fork point", branch.Metadata["branched_from"])
	assert.Equal(t, "v", branch.SessionState["k"])
	assert.Len(t, branch.ConversationHistory, 1)
	assert.NotEqual(t, inner.GraphSessionID, branch.GraphSessionID)
}

func TestSummary(t *testing.T) {
	inner := sessions.NewInnerSession(1)
	inner.AddMessage("user", "hi")
	cp := FromInnerSession(inner, "", true, nil, []tools.ToolInvocationRecord{{ToolName: "t"}})

	summary := cp.Summary()
	assert.Contains(t, summary, "Unnamed (Auto)")
	assert.Contains(t, summary, "Messages: 1, Tool calls: 1")
}
