package tools

import (
	"context"
	"fmt"
	"sync"
)

// ============================================================================
// REGISTRY - REVERSIBLE TOOL TRACK
// ============================================================================

const noReverseHandlerMsg = "No reverse handler registered"

// RegistryError represents a tool registry error
type RegistryError struct {
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *RegistryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

func NewRegistryError(component, action, message string, err error) *RegistryError {
	return &RegistryError{
		Component: component,
		Action:    action,
		Message:   message,
		Err:       err,
	}
}

// Registry holds reversible tool specs and the append-only invocation track
// for one agent. The track is the in-memory source of truth for compensating
// execution; checkpoints store a cursor into it.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]ToolSpec
	track []ToolInvocationRecord
}

// NewRegistry creates an empty tool registry
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]ToolSpec),
	}
}

// Register adds a tool spec to the registry. Re-registering a name replaces
// the previous spec.
func (r *Registry) Register(spec ToolSpec) error {
	if spec.Name == "" {
		return NewRegistryError("Registry", "Register", "tool name cannot be empty", nil)
	}
	if spec.Forward == nil {
		return NewRegistryError("Registry", "Register",
			fmt.Sprintf("tool %s has no forward handler", spec.Name), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[spec.Name] = spec
	return nil
}

// Get retrieves a tool spec by name
func (r *Registry) Get(name string) (ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.tools[name]
	return spec, ok
}

// List returns the definitions of all registered tools
func (r *Registry) List() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(r.tools))
	for _, spec := range r.tools {
		specs = append(specs, spec)
	}
	return specs
}

// RecordInvocation appends a record to the track. Every execution is
// recorded, including failed ones.
func (r *Registry) RecordInvocation(name string, args map[string]interface{}, result interface{}, success bool, errorMessage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.track = append(r.track, ToolInvocationRecord{
		ToolName:     name,
		Args:         args,
		Result:       result,
		Success:      success,
		ErrorMessage: errorMessage,
	})
}

// Track returns a copy of the current invocation track
func (r *Registry) Track() []ToolInvocationRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	track := make([]ToolInvocationRecord, len(r.track))
	copy(track, r.track)
	return track
}

// TrackPosition returns the current track length
func (r *Registry) TrackPosition() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.track)
}

// TruncateTrack discards every record at or beyond position. Positions
// outside [0, len] are an error; the track is left untouched.
func (r *Registry) TruncateTrack(position int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if position < 0 || position > len(r.track) {
		return NewRegistryError("Registry", "Truncate",
			fmt.Sprintf("position %d out of range [0, %d]", position, len(r.track)), nil)
	}
	r.track = r.track[:position]
	return nil
}

// Rollback runs reverse handlers for all recorded invocations in LIFO
// order, skipping reserved checkpoint tools, and clears the track. A
// missing reverse handler yields a failed result but does not stop the
// walk.
func (r *Registry) Rollback(ctx context.Context) []ReverseInvocationResult {
	r.mu.Lock()
	track := r.track
	r.track = nil
	r.mu.Unlock()

	return r.reverseWalk(ctx, track, 0)
}

// RollbackFromIndex runs reverse handlers for records at or beyond
// startIndex in LIFO order. The track is left untouched; callers truncate
// separately when branching.
func (r *Registry) RollbackFromIndex(ctx context.Context, startIndex int) []ReverseInvocationResult {
	return r.reverseWalk(ctx, r.Track(), startIndex)
}

func (r *Registry) reverseWalk(ctx context.Context, track []ToolInvocationRecord, startIndex int) []ReverseInvocationResult {
	if startIndex < 0 {
		startIndex = 0
	}

	results := []ReverseInvocationResult{}
	for i := len(track) - 1; i >= startIndex; i-- {
		record := track[i]
		if IsCheckpointTool(record.ToolName) {
			continue
		}

		spec, ok := r.Get(record.ToolName)
		if !ok || spec.Reverse == nil {
			results = append(results, ReverseInvocationResult{
				ToolName:     record.ToolName,
				ErrorMessage: noReverseHandlerMsg,
			})
			continue
		}

		if err := spec.Reverse(ctx, record.Args, record.Result); err != nil {
			results = append(results, ReverseInvocationResult{
				ToolName:     record.ToolName,
				ErrorMessage: err.Error(),
			})
			continue
		}
		results = append(results, ReverseInvocationResult{
			ToolName:             record.ToolName,
			ReversedSuccessfully: true,
		})
	}
	return results
}

// Redo drains the track and re-executes every forward handler in the
// original order, recording the fresh outcomes.
func (r *Registry) Redo(ctx context.Context) []ToolInvocationRecord {
	r.mu.Lock()
	oldTrack := r.track
	r.track = nil
	r.mu.Unlock()

	newRecords := []ToolInvocationRecord{}
	for _, record := range oldTrack {
		spec, ok := r.Get(record.ToolName)
		if !ok {
			continue
		}

		result, err := spec.Forward(ctx, record.Args)
		if err != nil {
			r.RecordInvocation(record.ToolName, record.Args, nil, false, err.Error())
		} else {
			r.RecordInvocation(record.ToolName, record.Args, result, true, "")
		}

		track := r.Track()
		newRecords = append(newRecords, track[len(track)-1])
	}
	return newRecords
}
