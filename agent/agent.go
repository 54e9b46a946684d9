// Package agent implements the rollback agent loop and its service layer.
// The agent drives an agent -> tools -> checkpoint cycle over a
// chat-completions provider, records every tool execution on the rollback
// track, and snapshots state into checkpoints that later rollbacks branch
// from.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/agentgit/agentgit/auth"
	"github.com/agentgit/agentgit/checkpoints"
	"github.com/agentgit/agentgit/llms"
	"github.com/agentgit/agentgit/sessions"
	"github.com/agentgit/agentgit/tools"
)

// Store is the persistence surface the agent layer needs. *database.Store
// satisfies it.
type Store interface {
	CreateInnerSession(session *sessions.InnerSession) (*sessions.InnerSession, error)
	UpdateInnerSession(session *sessions.InnerSession) error
	GetInnerSession(id int64) (*sessions.InnerSession, error)
	GetCurrentInnerSession(outerSessionID int64) (*sessions.InnerSession, error)
	GetInnerSessionsByOuter(outerSessionID int64) ([]*sessions.InnerSession, error)
	GetSessionLineage(id int64) ([]*sessions.InnerSession, error)

	GetOuterSession(id int64) (*sessions.OuterSession, error)
	UpdateOuterSession(session *sessions.OuterSession) error

	SaveCheckpoint(cp *checkpoints.Checkpoint) (*checkpoints.Checkpoint, error)
	GetCheckpoint(id int64) (*checkpoints.Checkpoint, error)
	GetCheckpointsBySession(innerSessionID int64, autoOnly bool) ([]*checkpoints.Checkpoint, error)
	DeleteCheckpoint(id int64) error
	DeleteAutoCheckpoints(innerSessionID int64, keepLatest int) (int, error)
}

const defaultMaxToolRounds = 10

// Options configures a RollbackAgent.
type Options struct {
	// AutoCheckpoint snapshots after tool turns. A user's preferences
	// override this.
	AutoCheckpoint bool
	// User owns the session; its preferences shape agent behavior.
	User *auth.User
	// MaxToolRounds bounds the tool loop within one Run.
	MaxToolRounds int
	// SkipSessionCreation leaves the agent without a timeline; the caller
	// attaches one (resume, rollback).
	SkipSessionCreation bool
	// Registry carries an existing tool track into the agent. Nil creates a
	// fresh one.
	Registry *tools.Registry
	Metrics  *Metrics
	Logger   *slog.Logger
}

// RollbackAgent runs conversations on one inner session. Not safe for
// concurrent Run calls; each timeline has a single writer.
type RollbackAgent struct {
	outerSessionID int64
	provider       llms.Provider
	store          Store
	registry       *tools.Registry
	session        *sessions.InnerSession
	user           *auth.User
	autoCheckpoint bool
	maxToolRounds  int
	metrics        *Metrics
	logger         *slog.Logger
}

// New creates an agent for an outer session. Unless SkipSessionCreation is
// set, a fresh inner session is created, persisted, and registered as the
// outer session's current timeline.
func New(outerSessionID int64, provider llms.Provider, store Store, opts Options) (*RollbackAgent, error) {
	if provider == nil {
		return nil, fmt.Errorf("model provider is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	autoCheckpoint := opts.AutoCheckpoint
	if opts.User != nil {
		autoCheckpoint = opts.User.GetAgentConfig().AutoCheckpoint
	}

	registry := opts.Registry
	if registry == nil {
		registry = tools.NewRegistry()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxRounds := opts.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxToolRounds
	}

	a := &RollbackAgent{
		outerSessionID: outerSessionID,
		provider:       provider,
		store:          store,
		registry:       registry,
		user:           opts.User,
		autoCheckpoint: autoCheckpoint,
		maxToolRounds:  maxRounds,
		metrics:        opts.Metrics,
		logger:         logger,
	}

	if err := a.registerCheckpointTools(); err != nil {
		return nil, err
	}

	if !opts.SkipSessionCreation {
		session, err := store.CreateInnerSession(sessions.NewInnerSession(outerSessionID))
		if err != nil {
			return nil, fmt.Errorf("failed to create inner session: %w", err)
		}
		a.session = session
		if err := a.registerWithOuterSession(); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// AttachSession binds an existing timeline to the agent (resume, rollback).
func (a *RollbackAgent) AttachSession(session *sessions.InnerSession) {
	a.session = session
}

// Session returns the agent's timeline.
func (a *RollbackAgent) Session() *sessions.InnerSession {
	return a.session
}

// Registry returns the agent's tool track registry.
func (a *RollbackAgent) Registry() *tools.Registry {
	return a.registry
}

// GraphSessionID returns the timeline identifier, or "" without a session.
func (a *RollbackAgent) GraphSessionID() string {
	if a.session == nil {
		return ""
	}
	return a.session.GraphSessionID
}

// OuterSessionID returns the owning outer session's ID.
func (a *RollbackAgent) OuterSessionID() int64 {
	return a.outerSessionID
}

// RegisterTool adds a domain tool. Reserved checkpoint tool names are
// rejected; they are installed by the agent itself.
func (a *RollbackAgent) RegisterTool(spec tools.ToolSpec) error {
	if tools.IsCheckpointTool(spec.Name) {
		return fmt.Errorf("tool name %q is reserved", spec.Name)
	}
	return a.registry.Register(spec)
}

// registerWithOuterSession records the timeline on the outer session and
// makes it current there.
func (a *RollbackAgent) registerWithOuterSession() error {
	outer, err := a.store.GetOuterSession(a.outerSessionID)
	if err != nil {
		return err
	}
	if outer == nil {
		return fmt.Errorf("outer session %d not found", a.outerSessionID)
	}
	outer.AddInnerSession(a.session.GraphSessionID, a.session.IsBranch())
	return a.store.UpdateOuterSession(outer)
}

// Run processes one user message through the agent loop: model call, tool
// execution rounds with auto-checkpoints, final response. The transcript and
// session state are persisted before returning.
func (a *RollbackAgent) Run(ctx context.Context, message string) (string, error) {
	if a.session == nil {
		return "", fmt.Errorf("agent has no active session")
	}

	a.session.AddMessage("user", message)

	defs := a.toolDefinitions()

	for round := 0; round < a.maxToolRounds; round++ {
		content, toolCalls, _, err := a.provider.Generate(ctx, a.wireMessages(), defs)
		if err != nil {
			return "", fmt.Errorf("model call failed: %w", err)
		}

		if len(toolCalls) == 0 {
			a.session.AddMessage("assistant", content)
			if err := a.saveSession(); err != nil {
				return "", err
			}
			return content, nil
		}

		a.session.AppendMessage(llms.Message{
			Role:      "assistant",
			Content:   content,
			ToolCalls: toolCalls,
		})
		a.executeToolCalls(ctx, toolCalls)
	}

	return "", fmt.Errorf("tool loop exceeded %d rounds", a.maxToolRounds)
}

// executeToolCalls runs a tool round: every call is executed, recorded on
// the track, and answered with a tool-role message. When the round did real
// work, an auto checkpoint named after the last such tool is created.
func (a *RollbackAgent) executeToolCalls(ctx context.Context, calls []llms.ToolCall) {
	lastProductiveTool := ""

	for _, call := range calls {
		result, err := a.invokeTool(ctx, call.Name, call.Arguments)

		content := ""
		if err != nil {
			content = fmt.Sprintf("Tool execution error: %s", err.Error())
		} else {
			content = fmt.Sprint(result)
		}
		a.session.AppendMessage(llms.Message{
			Role:       "tool",
			Content:    content,
			ToolCallID: call.ID,
			Name:       call.Name,
		})

		if err == nil && !tools.IsCheckpointTool(call.Name) {
			lastProductiveTool = call.Name
		}
	}

	a.session.IncrementToolCount(len(calls))

	if a.autoCheckpoint && lastProductiveTool != "" {
		a.createAutoCheckpoint("After " + lastProductiveTool)
	}
}

// invokeTool executes a single tool and records the invocation.
func (a *RollbackAgent) invokeTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	spec, ok := a.registry.Get(name)
	if !ok {
		err := fmt.Errorf("unknown tool: %s", name)
		a.registry.RecordInvocation(name, args, nil, false, err.Error())
		a.metrics.recordToolInvocation(name, false)
		return nil, err
	}

	result, err := spec.Forward(ctx, args)
	if err != nil {
		a.registry.RecordInvocation(name, args, nil, false, err.Error())
		a.metrics.recordToolInvocation(name, false)
		a.logger.Warn("tool execution failed", "tool", name, "error", err)
		return nil, err
	}

	a.registry.RecordInvocation(name, args, result, true, "")
	a.metrics.recordToolInvocation(name, true)
	return result, nil
}

// toolDefinitions returns the wire definitions of all registered tools.
func (a *RollbackAgent) toolDefinitions() []llms.ToolDefinition {
	specs := a.registry.List()
	defs := make([]llms.ToolDefinition, 0, len(specs))
	for _, spec := range specs {
		defs = append(defs, spec.Definition())
	}
	return defs
}

// wireMessages builds the model input: the user's system prompt preference
// (never persisted) followed by the full transcript.
func (a *RollbackAgent) wireMessages() []llms.Message {
	var messages []llms.Message
	if a.user != nil {
		if prompt := a.user.GetAgentConfig().SystemPrompt; prompt != "" {
			messages = append(messages, llms.Message{Role: "system", Content: prompt})
		}
	}
	return append(messages, a.session.ConversationHistory...)
}

func (a *RollbackAgent) saveSession() error {
	if a.session == nil || a.session.ID == 0 {
		return nil
	}
	if err := a.store.UpdateInnerSession(a.session); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// CreateCheckpoint snapshots the current session state under the given
// name. An empty name gets a timestamp-based one.
func (a *RollbackAgent) CreateCheckpoint(name string) (*checkpoints.Checkpoint, error) {
	if a.session == nil || a.session.ID == 0 {
		return nil, fmt.Errorf("agent has no persisted session")
	}
	if name == "" {
		name = fmt.Sprintf("Checkpoint at %s", time.Now().Format("2006-01-02 15:04:05"))
	}

	cp := checkpoints.FromInnerSession(a.session, name, false, a.userID(), a.registry.Track())
	cp.SetToolTrackPosition(a.registry.TrackPosition())

	saved, err := a.store.SaveCheckpoint(cp)
	if err != nil {
		return nil, err
	}
	a.session.CheckpointCount++
	a.metrics.recordCheckpoint(false)
	if err := a.saveSession(); err != nil {
		return nil, err
	}
	return saved, nil
}

func (a *RollbackAgent) createAutoCheckpoint(name string) {
	if a.session == nil || a.session.ID == 0 {
		return
	}

	cp := checkpoints.FromInnerSession(a.session, name, true, a.userID(), a.registry.Track())
	cp.SetToolTrackPosition(a.registry.TrackPosition())

	if _, err := a.store.SaveCheckpoint(cp); err != nil {
		a.logger.Warn("auto checkpoint failed", "name", name, "error", err)
		return
	}
	a.session.CheckpointCount++
	a.metrics.recordCheckpoint(true)
}

func (a *RollbackAgent) userID() *int64 {
	if a.user == nil || a.user.ID == 0 {
		return nil
	}
	id := a.user.ID
	return &id
}

// RollbackRequested reports whether a rollback was requested during the
// last turn, and to which checkpoint.
func (a *RollbackAgent) RollbackRequested() (int64, bool) {
	if a.session == nil {
		return 0, false
	}
	requested, _ := a.session.SessionState["rollback_requested"].(bool)
	if !requested {
		return 0, false
	}
	return stateInt(a.session.SessionState["rollback_checkpoint_id"])
}

// ConsumeRollbackRequest clears the request flag, keeping the checkpoint ID
// for the caller, and persists the session.
func (a *RollbackAgent) ConsumeRollbackRequest() (int64, bool) {
	id, ok := a.RollbackRequested()
	if !ok {
		return 0, false
	}
	a.session.SessionState["rollback_requested"] = false
	if err := a.saveSession(); err != nil {
		a.logger.Warn("failed to persist rollback request state", "error", err)
	}
	return id, true
}

// RollbackTools runs every recorded reverse handler LIFO and clears the
// track.
func (a *RollbackAgent) RollbackTools(ctx context.Context) []tools.ReverseInvocationResult {
	results := a.registry.Rollback(ctx)
	for _, r := range results {
		a.metrics.recordReversal(r.ReversedSuccessfully)
	}
	return results
}

// RollbackToolsFromTrackIndex reverses the track suffix at or beyond
// startIndex, leaving the track itself untouched.
func (a *RollbackAgent) RollbackToolsFromTrackIndex(ctx context.Context, startIndex int) []tools.ReverseInvocationResult {
	results := a.registry.RollbackFromIndex(ctx, startIndex)
	for _, r := range results {
		a.metrics.recordReversal(r.ReversedSuccessfully)
	}
	return results
}

// RedoTools re-executes the recorded track forwards.
func (a *RollbackAgent) RedoTools(ctx context.Context) []tools.ToolInvocationRecord {
	return a.registry.Redo(ctx)
}

// ConversationHistory returns the timeline's transcript.
func (a *RollbackAgent) ConversationHistory() []llms.Message {
	if a.session == nil {
		return nil
	}
	return a.session.ConversationHistory
}

// SessionState returns the timeline's state map.
func (a *RollbackAgent) SessionState() map[string]interface{} {
	if a.session == nil {
		return nil
	}
	return a.session.SessionState
}

// stateInt coerces a session-state value into an int64. State maps survive
// JSON round trips, so numbers may arrive as float64.
func stateInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}
