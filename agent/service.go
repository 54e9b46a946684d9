package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentgit/agentgit/auth"
	"github.com/agentgit/agentgit/checkpoints"
	"github.com/agentgit/agentgit/config"
	"github.com/agentgit/agentgit/llms"
	"github.com/agentgit/agentgit/sessions"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// ProviderFactory builds a model provider for a new agent. Injected in
// tests; the default builds an OpenAI-compatible provider from config.
type ProviderFactory func() (llms.Provider, error)

// AgentService creates, resumes, and rolls back agents, and keeps the
// active ones cached by graph session ID.
type AgentService struct {
	store       Store
	cfg         *config.Config
	logger      *slog.Logger
	metrics     *Metrics
	newProvider ProviderFactory

	mu     sync.Mutex
	active map[string]*RollbackAgent
}

// NewAgentService creates the service with the default provider factory.
func NewAgentService(store Store, cfg *config.Config, logger *slog.Logger) *AgentService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AgentService{
		store:  store,
		cfg:    cfg,
		logger: logger,
		active: make(map[string]*RollbackAgent),
	}
	s.newProvider = s.defaultProvider
	return s
}

// WithProviderFactory replaces how model providers are built.
func (s *AgentService) WithProviderFactory(factory ProviderFactory) *AgentService {
	s.newProvider = factory
	return s
}

// WithMetrics attaches a metric set passed down to created agents.
func (s *AgentService) WithMetrics(m *Metrics) *AgentService {
	s.metrics = m
	return s
}

func (s *AgentService) defaultProvider() (llms.Provider, error) {
	if s.cfg == nil || s.cfg.APIKey == "" {
		return nil, fmt.Errorf("no API key configured")
	}
	provider := llms.NewOpenAIProvider(s.cfg.APIKey, s.cfg.Model)
	if s.cfg.BaseURL != "" {
		provider.WithBaseURL(config.SanitizeBaseURL(s.cfg.BaseURL))
	}
	return provider, nil
}

// CreateNewAgent creates an agent with a fresh timeline for an outer
// session.
func (s *AgentService) CreateNewAgent(outerSessionID int64, user *auth.User) (*RollbackAgent, error) {
	provider, err := s.newProvider()
	if err != nil {
		return nil, err
	}

	agent, err := New(outerSessionID, provider, s.store, Options{
		AutoCheckpoint: true,
		User:           user,
		Metrics:        s.metrics,
		Logger:         s.logger,
	})
	if err != nil {
		return nil, err
	}

	s.cache(agent)
	return agent, nil
}

// ResumeAgent reattaches an agent to an existing timeline. With
// innerSessionID zero the outer session's current timeline is used; an
// outer session without any timeline gets a fresh agent instead.
func (s *AgentService) ResumeAgent(outerSessionID, innerSessionID int64, user *auth.User) (*RollbackAgent, error) {
	outer, err := s.store.GetOuterSession(outerSessionID)
	if err != nil {
		return nil, err
	}
	if outer == nil {
		return nil, ErrSessionNotFound
	}

	var session *sessions.InnerSession
	if innerSessionID != 0 {
		session, err = s.store.GetInnerSession(innerSessionID)
	} else {
		session, err = s.store.GetCurrentInnerSession(outerSessionID)
	}
	if err != nil {
		return nil, err
	}
	if session == nil {
		return s.CreateNewAgent(outerSessionID, user)
	}

	provider, err := s.newProvider()
	if err != nil {
		return nil, err
	}

	agent, err := New(outerSessionID, provider, s.store, Options{
		AutoCheckpoint:      true,
		User:                user,
		SkipSessionCreation: true,
		Metrics:             s.metrics,
		Logger:              s.logger,
	})
	if err != nil {
		return nil, err
	}
	agent.AttachSession(session)

	s.cache(agent)
	return agent, nil
}

// RollbackToCheckpoint performs the rollback-by-branching operation:
// reverse-execute the tool track beyond the checkpoint's cursor, branch a
// new timeline from the snapshot, clone the ancestor checkpoints onto it,
// and truncate the track to the cursor. The source timeline stays intact
// and resumable.
func (s *AgentService) RollbackToCheckpoint(ctx context.Context, outerSessionID, checkpointID int64, user *auth.User, rollbackTools bool) (*RollbackAgent, error) {
	cp, err := s.store.GetCheckpoint(checkpointID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("%w: checkpoint %d", ErrCheckpointNotFound, checkpointID)
	}

	cursor := cp.ToolTrackPosition()

	// The live track, if any, belongs to the agent currently driving the
	// source timeline.
	previous := s.activeAgentForSession(cp.InnerSessionID)
	if rollbackTools && previous != nil {
		s.logger.Info("rolling back tools", "from_position", cursor)
		for _, r := range previous.RollbackToolsFromTrackIndex(ctx, cursor) {
			if !r.ReversedSuccessfully {
				s.logger.Warn("failed to reverse tool", "tool", r.ToolName, "error", r.ErrorMessage)
			}
		}
	}

	branch := cp.BranchSession(outerSessionID, cp.InnerSessionID)
	branch, err = s.store.CreateInnerSession(branch)
	if err != nil {
		return nil, fmt.Errorf("failed to create branch session: %w", err)
	}

	if err := s.cloneAncestorCheckpoints(cp, branch.ID); err != nil {
		return nil, err
	}

	provider, err := s.newProvider()
	if err != nil {
		return nil, err
	}

	// The branch inherits the previous agent's registry so reverse handlers
	// and the truncated track survive the rollback.
	opts := Options{
		AutoCheckpoint:      true,
		User:                user,
		SkipSessionCreation: true,
		Metrics:             s.metrics,
		Logger:              s.logger,
	}
	if previous != nil {
		opts.Registry = previous.Registry()
	}

	agent, err := New(outerSessionID, provider, s.store, opts)
	if err != nil {
		return nil, err
	}
	agent.AttachSession(branch)
	// A fresh registry starts with an empty track; only an inherited one
	// carries records beyond the cursor.
	if previous != nil {
		if err := agent.Registry().TruncateTrack(cursor); err != nil {
			return nil, fmt.Errorf("failed to truncate tool track: %w", err)
		}
	}

	if err := agent.registerWithOuterSession(); err != nil {
		return nil, err
	}
	if err := agent.saveSession(); err != nil {
		return nil, err
	}

	s.metrics.recordRollback()
	s.cache(agent)
	return agent, nil
}

// cloneAncestorCheckpoints copies every checkpoint of the source timeline
// created at or before the rollback point onto the branch, so the branch
// can itself be rolled back.
func (s *AgentService) cloneAncestorCheckpoints(cp *checkpoints.Checkpoint, branchSessionID int64) error {
	ancestors, err := s.store.GetCheckpointsBySession(cp.InnerSessionID, false)
	if err != nil {
		return err
	}

	for _, ancestor := range ancestors {
		if ancestor.CreatedAt.IsZero() || cp.CreatedAt.IsZero() || ancestor.CreatedAt.After(cp.CreatedAt) {
			continue
		}
		clone := &checkpoints.Checkpoint{
			InnerSessionID:      branchSessionID,
			CheckpointName:      ancestor.CheckpointName,
			SessionState:        sessions.CloneState(ancestor.SessionState),
			ConversationHistory: sessions.CloneMessages(ancestor.ConversationHistory),
			IsAuto:              ancestor.IsAuto,
			CreatedAt:           ancestor.CreatedAt,
			Metadata:            sessions.CloneState(ancestor.Metadata),
			UserID:              ancestor.UserID,
			ToolInvocations:     append(ancestor.ToolInvocations[:0:0], ancestor.ToolInvocations...),
		}
		if _, err := s.store.SaveCheckpoint(clone); err != nil {
			return fmt.Errorf("failed to clone checkpoint %d: %w", ancestor.ID, err)
		}
	}
	return nil
}

// HandleAgentResponse checks for a rollback request raised during the last
// turn. It clears the request flag and returns the target checkpoint ID.
func (s *AgentService) HandleAgentResponse(agent *RollbackAgent) (int64, bool) {
	if agent == nil {
		return 0, false
	}
	return agent.ConsumeRollbackRequest()
}

// ListInnerSessions lists all timelines under an outer session.
func (s *AgentService) ListInnerSessions(outerSessionID int64) ([]*sessions.InnerSession, error) {
	return s.store.GetInnerSessionsByOuter(outerSessionID)
}

// SessionLineage returns the ancestry of a timeline, root first.
func (s *AgentService) SessionLineage(innerSessionID int64) ([]*sessions.InnerSession, error) {
	return s.store.GetSessionLineage(innerSessionID)
}

// ListCheckpoints lists all checkpoints of a timeline, newest first.
func (s *AgentService) ListCheckpoints(innerSessionID int64) ([]*checkpoints.Checkpoint, error) {
	return s.store.GetCheckpointsBySession(innerSessionID, false)
}

// ConversationSummary renders the last messages of an agent's transcript.
func (s *AgentService) ConversationSummary(agent *RollbackAgent) string {
	history := agent.ConversationHistory()
	if len(history) == 0 {
		return "No conversation history yet."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Conversation (%d messages):\n", len(history))

	start := 0
	if len(history) > 10 {
		start = len(history) - 10
	}
	for _, msg := range history[start:] {
		content := msg.Content
		if len(content) > 100 {
			content = content[:97] + "..."
		}
		fmt.Fprintf(&b, "\n[%s] %s\n", msg.Role, content)
	}
	return b.String()
}

// GetActiveAgent returns the cached agent for a timeline, if any.
func (s *AgentService) GetActiveAgent(graphSessionID string) *RollbackAgent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[graphSessionID]
}

// CleanupAgent drops an agent from the active cache.
func (s *AgentService) CleanupAgent(graphSessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, graphSessionID)
}

func (s *AgentService) cache(agent *RollbackAgent) {
	if agent.GraphSessionID() == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[agent.GraphSessionID()] = agent
}

func (s *AgentService) activeAgentForSession(innerSessionID int64) *RollbackAgent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, agent := range s.active {
		if agent.session != nil && agent.session.ID == innerSessionID {
			return agent
		}
	}
	return nil
}

// BranchNode is one timeline in the branch tree of an outer session.
type BranchNode struct {
	ID              int64         `json:"id"`
	SessionID       string        `json:"session_id"`
	CreatedAt       time.Time     `json:"created_at"`
	IsCurrent       bool          `json:"is_current"`
	IsBranch        bool          `json:"is_branch"`
	CheckpointCount int           `json:"checkpoint_count"`
	ToolInvocations int           `json:"tool_invocations"`
	Children        []*BranchNode `json:"children"`
}

// GetBranchTree builds the forest of timelines under an outer session:
// roots are the non-branch timelines, children hang off their parents.
func (s *AgentService) GetBranchTree(outerSessionID int64) ([]*BranchNode, error) {
	list, err := s.store.GetInnerSessionsByOuter(outerSessionID)
	if err != nil {
		return nil, err
	}

	nodes := make(map[int64]*BranchNode, len(list))
	for _, session := range list {
		nodes[session.ID] = &BranchNode{
			ID:              session.ID,
			SessionID:       session.GraphSessionID,
			CreatedAt:       session.CreatedAt,
			IsCurrent:       session.IsCurrent,
			IsBranch:        session.IsBranch(),
			CheckpointCount: session.CheckpointCount,
			ToolInvocations: session.ToolInvocationCount,
			Children:        []*BranchNode{},
		}
	}

	var roots []*BranchNode
	for _, session := range list {
		if session.ParentSessionID == nil {
			roots = append(roots, nodes[session.ID])
		}
	}
	for _, session := range list {
		if session.ParentSessionID != nil {
			if parent, ok := nodes[*session.ParentSessionID]; ok {
				parent.Children = append(parent.Children, nodes[session.ID])
			} else {
				// Parent deleted; the orphan surfaces as a root.
				roots = append(roots, nodes[session.ID])
			}
		}
	}
	return roots, nil
}
