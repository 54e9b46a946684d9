package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgit/agentgit/llms"
	"github.com/agentgit/agentgit/tools"
)

func appendLogTool(reversed *[]string) tools.ToolSpec {
	return tools.ToolSpec{
		Name: "append_log",
		Forward: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return "appended", nil
		},
		Reverse: func(ctx context.Context, args map[string]interface{}, result interface{}) error {
			*reversed = append(*reversed, args["line"].(string))
			return nil
		},
	}
}

func TestRollbackToCheckpointBranchesTimeline(t *testing.T) {
	store := newAgentTestStore(t)
	user, outer := setupAgentFixture(t, store)

	provider := &scriptedProvider{responses: []scriptedResponse{
		{toolCalls: []llms.ToolCall{{ID: "c1", Name: "append_log", Arguments: map[string]interface{}{"line": "a"}}}},
		{content: "logged a"},
		{toolCalls: []llms.ToolCall{{ID: "c2", Name: "append_log", Arguments: map[string]interface{}{"line": "b"}}}},
		{content: "logged b"},
	}}

	svc := NewAgentService(store, nil, nil).WithProviderFactory(func() (llms.Provider, error) {
		return provider, nil
	})

	var reversed []string
	agent, err := svc.CreateNewAgent(outer.ID, user)
	require.NoError(t, err)
	require.NoError(t, agent.RegisterTool(appendLogTool(&reversed)))

	_, err = agent.Run(context.Background(), "log a")
	require.NoError(t, err)
	_, err = agent.Run(context.Background(), "log b")
	require.NoError(t, err)

	sourceID := agent.Session().ID
	sourceGraphID := agent.GraphSessionID()
	sourceHistoryLen := len(agent.ConversationHistory())

	// Two auto checkpoints exist; roll back to the first (cursor 1).
	list, err := store.GetCheckpointsBySession(sourceID, false)
	require.NoError(t, err)
	require.Len(t, list, 2)
	first := list[1]
	assert.Equal(t, 1, first.ToolTrackPosition())

	branched, err := svc.RollbackToCheckpoint(context.Background(), outer.ID, first.ID, user, true)
	require.NoError(t, err)

	// The suffix beyond the cursor was reverse-executed: only "b".
	assert.Equal(t, []string{"b"}, reversed)
	assert.Equal(t, 1, branched.Registry().TrackPosition())

	// The branch is a new timeline anchored at the checkpoint.
	assert.NotEqual(t, sourceGraphID, branched.GraphSessionID())
	require.NotNil(t, branched.Session().ParentSessionID)
	assert.Equal(t, sourceID, *branched.Session().ParentSessionID)
	require.NotNil(t, branched.Session().BranchPointCheckpointID)
	assert.Equal(t, first.ID, *branched.Session().BranchPointCheckpointID)
	assert.Equal(t, len(first.ConversationHistory), len(branched.ConversationHistory()))

	// The source timeline is preserved, transcript intact, no longer current.
	source, err := store.GetInnerSession(sourceID)
	require.NoError(t, err)
	require.NotNil(t, source)
	assert.Len(t, source.ConversationHistory, sourceHistoryLen)
	assert.False(t, source.IsCurrent)

	current, err := store.GetCurrentInnerSession(outer.ID)
	require.NoError(t, err)
	assert.Equal(t, branched.Session().ID, current.ID)

	// Ancestor checkpoints at or before the rollback point were cloned.
	cloned, err := store.GetCheckpointsBySession(branched.Session().ID, false)
	require.NoError(t, err)
	require.Len(t, cloned, 1)
	assert.Equal(t, first.CheckpointName, cloned[0].CheckpointName)

	// The outer session now records the branch.
	reloaded, err := store.GetOuterSession(outer.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.BranchCount)
	assert.Equal(t, branched.GraphSessionID(), reloaded.CurrentInnerSessionID)
}

func TestRollbackToMissingCheckpoint(t *testing.T) {
	store := newAgentTestStore(t)
	user, outer := setupAgentFixture(t, store)

	svc := NewAgentService(store, nil, nil).WithProviderFactory(func() (llms.Provider, error) {
		return &scriptedProvider{responses: []scriptedResponse{{content: "ok"}}}, nil
	})

	_, err := svc.RollbackToCheckpoint(context.Background(), outer.ID, 9999, user, true)
	require.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestBranchTreeShape(t *testing.T) {
	store := newAgentTestStore(t)
	user, outer := setupAgentFixture(t, store)

	provider := &scriptedProvider{responses: []scriptedResponse{
		{toolCalls: []llms.ToolCall{{ID: "c1", Name: "append_log", Arguments: map[string]interface{}{"line": "a"}}}},
		{content: "logged a"},
	}}
	svc := NewAgentService(store, nil, nil).WithProviderFactory(func() (llms.Provider, error) {
		return provider, nil
	})

	var reversed []string
	agent, err := svc.CreateNewAgent(outer.ID, user)
	require.NoError(t, err)
	require.NoError(t, agent.RegisterTool(appendLogTool(&reversed)))

	_, err = agent.Run(context.Background(), "log a")
	require.NoError(t, err)

	list, err := store.GetCheckpointsBySession(agent.Session().ID, false)
	require.NoError(t, err)
	require.Len(t, list, 1)

	branched, err := svc.RollbackToCheckpoint(context.Background(), outer.ID, list[0].ID, user, true)
	require.NoError(t, err)

	roots, err := svc.GetBranchTree(outer.ID)
	require.NoError(t, err)
	require.Len(t, roots, 1)

	root := roots[0]
	assert.Equal(t, agent.Session().ID, root.ID)
	assert.False(t, root.IsBranch)
	require.Len(t, root.Children, 1)
	assert.Equal(t, branched.Session().ID, root.Children[0].ID)
	assert.True(t, root.Children[0].IsBranch)
	assert.True(t, root.Children[0].IsCurrent)
	assert.Empty(t, root.Children[0].Children)
}

func TestResumeAgentRestoresTranscript(t *testing.T) {
	store := newAgentTestStore(t)
	user, outer := setupAgentFixture(t, store)

	provider := &scriptedProvider{responses: []scriptedResponse{
		{content: "hello back"},
		{content: "still here"},
	}}
	svc := NewAgentService(store, nil, nil).WithProviderFactory(func() (llms.Provider, error) {
		return provider, nil
	})

	agent, err := svc.CreateNewAgent(outer.ID, user)
	require.NoError(t, err)
	_, err = agent.Run(context.Background(), "hello")
	require.NoError(t, err)

	svc.CleanupAgent(agent.GraphSessionID())
	assert.Nil(t, svc.GetActiveAgent(agent.GraphSessionID()))

	resumed, err := svc.ResumeAgent(outer.ID, 0, user)
	require.NoError(t, err)
	assert.Equal(t, agent.Session().ID, resumed.Session().ID)
	require.Len(t, resumed.ConversationHistory(), 2)
	assert.Equal(t, "hello", resumed.ConversationHistory()[0].Content)

	// The resumed agent keeps the conversation going with full context.
	_, err = resumed.Run(context.Background(), "are you there?")
	require.NoError(t, err)
	last := provider.requests[len(provider.requests)-1]
	assert.Len(t, last, 3)
}

func TestResumeAgentWithoutTimelineCreatesOne(t *testing.T) {
	store := newAgentTestStore(t)
	user, outer := setupAgentFixture(t, store)

	svc := NewAgentService(store, nil, nil).WithProviderFactory(func() (llms.Provider, error) {
		return &scriptedProvider{responses: []scriptedResponse{{content: "ok"}}}, nil
	})

	agent, err := svc.ResumeAgent(outer.ID, 0, user)
	require.NoError(t, err)
	require.NotNil(t, agent.Session())
	assert.NotZero(t, agent.Session().ID)
}

func TestResumeAgentMissingOuterSession(t *testing.T) {
	store := newAgentTestStore(t)
	_, _ = setupAgentFixture(t, store)

	svc := NewAgentService(store, nil, nil).WithProviderFactory(func() (llms.Provider, error) {
		return &scriptedProvider{responses: []scriptedResponse{{content: "ok"}}}, nil
	})

	_, err := svc.ResumeAgent(9999, 0, nil)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestHandleAgentResponse(t *testing.T) {
	store := newAgentTestStore(t)
	user, outer := setupAgentFixture(t, store)

	provider := &scriptedProvider{responses: []scriptedResponse{
		{toolCalls: []llms.ToolCall{{ID: "c1", Name: "create_checkpoint", Arguments: map[string]interface{}{"name": "anchor"}}}},
		{content: "saved"},
		{toolCalls: []llms.ToolCall{{ID: "c2", Name: "rollback_to_checkpoint", Arguments: map[string]interface{}{"checkpoint_id_or_name": "anchor"}}}},
		{content: "requested"},
	}}
	svc := NewAgentService(store, nil, nil).WithProviderFactory(func() (llms.Provider, error) {
		return provider, nil
	})

	agent, err := svc.CreateNewAgent(outer.ID, user)
	require.NoError(t, err)

	_, err = agent.Run(context.Background(), "checkpoint this")
	require.NoError(t, err)
	_, ok := svc.HandleAgentResponse(agent)
	assert.False(t, ok)

	_, err = agent.Run(context.Background(), "roll back")
	require.NoError(t, err)

	id, ok := svc.HandleAgentResponse(agent)
	require.True(t, ok)
	assert.NotZero(t, id)

	// A second call sees no pending request.
	_, ok = svc.HandleAgentResponse(agent)
	assert.False(t, ok)
}

func TestConversationSummary(t *testing.T) {
	store := newAgentTestStore(t)
	user, outer := setupAgentFixture(t, store)

	provider := &scriptedProvider{responses: []scriptedResponse{{content: "short reply"}}}
	svc := NewAgentService(store, nil, nil).WithProviderFactory(func() (llms.Provider, error) {
		return provider, nil
	})

	agent, err := svc.CreateNewAgent(outer.ID, user)
	require.NoError(t, err)
	assert.Equal(t, "No conversation history yet.", svc.ConversationSummary(agent))

	_, err = agent.Run(context.Background(), strings.Repeat("x", 150))
	require.NoError(t, err)

	summary := svc.ConversationSummary(agent)
	assert.Contains(t, summary, "Conversation (2 messages):")
	assert.Contains(t, summary, "[user] "+strings.Repeat("x", 97)+"...")
	assert.Contains(t, summary, "[assistant] short reply")
}

func TestMetricsCounters(t *testing.T) {
	store := newAgentTestStore(t)
	user, outer := setupAgentFixture(t, store)

	metrics := NewMetrics(prometheus.NewRegistry())

	provider := &scriptedProvider{responses: []scriptedResponse{
		{toolCalls: []llms.ToolCall{{ID: "c1", Name: "append_log", Arguments: map[string]interface{}{"line": "a"}}}},
		{content: "logged"},
	}}
	svc := NewAgentService(store, nil, nil).
		WithProviderFactory(func() (llms.Provider, error) { return provider, nil }).
		WithMetrics(metrics)

	var reversed []string
	agent, err := svc.CreateNewAgent(outer.ID, user)
	require.NoError(t, err)
	require.NoError(t, agent.RegisterTool(appendLogTool(&reversed)))

	_, err = agent.Run(context.Background(), "log a")
	require.NoError(t, err)

	list, err := store.GetCheckpointsBySession(agent.Session().ID, false)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = svc.RollbackToCheckpoint(context.Background(), outer.ID, list[0].ID, user, true)
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.rollbacks))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.toolInvocations.WithLabelValues("append_log", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.checkpoints.WithLabelValues("auto")))
}
