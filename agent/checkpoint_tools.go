package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentgit/agentgit/checkpoints"
	"github.com/agentgit/agentgit/tools"
)

// registerCheckpointTools installs the reserved checkpoint-management tools.
// Their invocations are recorded on the track like any other tool but are
// never reverse-executed.
func (a *RollbackAgent) registerCheckpointTools() error {
	specs := []tools.ToolSpec{
		{
			Name:        "create_checkpoint",
			Description: "Create a manual checkpoint of the current conversation state.",
			Parameters: []tools.ToolParameter{
				{Name: "name", Type: "string", Description: "Optional name for the checkpoint"},
			},
			Forward: a.createCheckpointTool,
		},
		{
			Name:        "list_checkpoints",
			Description: "List all available checkpoints for the current session.",
			Forward:     a.listCheckpointsTool,
		},
		{
			Name:        "rollback_to_checkpoint",
			Description: "Request rollback to a specific checkpoint by ID or name.",
			Parameters: []tools.ToolParameter{
				{Name: "checkpoint_id_or_name", Type: "string", Description: "ID or name of the checkpoint", Required: true},
			},
			Forward: a.rollbackToCheckpointTool,
		},
		{
			Name:        "delete_checkpoint",
			Description: "Delete a specific checkpoint.",
			Parameters: []tools.ToolParameter{
				{Name: "checkpoint_id", Type: "integer", Description: "ID of the checkpoint to delete", Required: true},
			},
			Forward: a.deleteCheckpointTool,
		},
		{
			Name:        "get_checkpoint_info",
			Description: "Get detailed information about a checkpoint.",
			Parameters: []tools.ToolParameter{
				{Name: "checkpoint_id", Type: "integer", Description: "ID of the checkpoint", Required: true},
			},
			Forward: a.getCheckpointInfoTool,
		},
		{
			Name:        "cleanup_auto_checkpoints",
			Description: "Clean up old automatic checkpoints, keeping the latest ones.",
			Parameters: []tools.ToolParameter{
				{Name: "keep_latest", Type: "integer", Description: "Number of latest checkpoints to keep"},
			},
			Forward: a.cleanupAutoCheckpointsTool,
		},
	}

	for _, spec := range specs {
		if err := a.registry.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

func (a *RollbackAgent) createCheckpointTool(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	name, _ := args["name"].(string)
	if name == "" {
		name = fmt.Sprintf("Checkpoint at %s", time.Now().Format("2006-01-02 15:04:05"))
	}

	if a.session == nil || a.session.ID == 0 {
		return "Failed to create checkpoint. Repository or session not available.", nil
	}

	cp := checkpoints.FromInnerSession(a.session, name, false, a.userID(), a.registry.Track())
	cp.SetToolTrackPosition(a.registry.TrackPosition())

	saved, err := a.store.SaveCheckpoint(cp)
	if err != nil {
		a.logger.Warn("checkpoint creation failed", "name", name, "error", err)
		return "Failed to create checkpoint. Repository or session not available.", nil
	}

	a.session.CheckpointCount++
	a.metrics.recordCheckpoint(false)
	if err := a.saveSession(); err != nil {
		a.logger.Warn("failed to save session after checkpoint", "error", err)
	}

	return fmt.Sprintf("✓ Checkpoint '%s' created successfully (ID: %d)", name, saved.ID), nil
}

func (a *RollbackAgent) listCheckpointsTool(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if a.session == nil || a.session.ID == 0 {
		return "No active session or checkpoint functionality unavailable.", nil
	}

	list, err := a.store.GetCheckpointsBySession(a.session.ID, false)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return "No checkpoints found for the current session.", nil
	}

	var b strings.Builder
	b.WriteString("Available checkpoints:\n")
	for _, cp := range list {
		kind := "manual"
		if cp.IsAuto {
			kind = "auto"
		}
		created := "unknown"
		if !cp.CreatedAt.IsZero() {
			created = cp.CreatedAt.Format("2006-01-02 15:04:05")
		}
		name := cp.CheckpointName
		if name == "" {
			name = "Unnamed"
		}
		fmt.Fprintf(&b, "\n• ID: %d | %s | Type: %s | Created: %s", cp.ID, name, kind, created)
	}
	return b.String(), nil
}

func (a *RollbackAgent) rollbackToCheckpointTool(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	raw := args["checkpoint_id_or_name"]

	cp, err := a.resolveCheckpoint(raw)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return fmt.Sprintf("Checkpoint '%v' not found.", raw), nil
	}

	if a.session != nil {
		a.session.UpdateState(map[string]interface{}{
			"rollback_requested":     true,
			"rollback_checkpoint_id": cp.ID,
		})
		// The flags must survive even when the turn aborts before its
		// normal save.
		if err := a.saveSession(); err != nil {
			a.logger.Warn("failed to persist rollback request", "checkpoint_id", cp.ID, "error", err)
		}
	}

	return fmt.Sprintf("Rollback to checkpoint %d ('%s') requested.", cp.ID, cp.CheckpointName), nil
}

// resolveCheckpoint looks the argument up as a numeric ID first, then as a
// case-insensitive checkpoint name within the current session.
func (a *RollbackAgent) resolveCheckpoint(raw interface{}) (*checkpoints.Checkpoint, error) {
	if id, ok := stateInt(raw); ok {
		return a.store.GetCheckpoint(id)
	}

	name, ok := raw.(string)
	if !ok || a.session == nil || a.session.ID == 0 {
		return nil, nil
	}

	list, err := a.store.GetCheckpointsBySession(a.session.ID, false)
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(name)
	for _, cp := range list {
		if cp.CheckpointName != "" && strings.ToLower(cp.CheckpointName) == lower {
			return cp, nil
		}
	}
	return nil, nil
}

func (a *RollbackAgent) deleteCheckpointTool(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id, ok := stateInt(args["checkpoint_id"])
	if !ok {
		return fmt.Sprintf("Checkpoint '%v' not found.", args["checkpoint_id"]), nil
	}

	cp, err := a.store.GetCheckpoint(id)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return fmt.Sprintf("Checkpoint %d not found.", id), nil
	}

	if a.session == nil || cp.InnerSessionID != a.session.ID {
		return "You can only delete checkpoints from the current session.", nil
	}

	if err := a.store.DeleteCheckpoint(id); err != nil {
		a.logger.Warn("checkpoint deletion failed", "checkpoint_id", id, "error", err)
		return fmt.Sprintf("Failed to delete checkpoint %d.", id), nil
	}
	return fmt.Sprintf("✓ Checkpoint %d deleted successfully.", id), nil
}

func (a *RollbackAgent) getCheckpointInfoTool(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id, ok := stateInt(args["checkpoint_id"])
	if !ok {
		return fmt.Sprintf("Checkpoint '%v' not found.", args["checkpoint_id"]), nil
	}

	cp, err := a.store.GetCheckpoint(id)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return fmt.Sprintf("Checkpoint %d not found.", id), nil
	}

	kind := "Manual"
	if cp.IsAuto {
		kind = "Automatic"
	}
	created := "unknown"
	if !cp.CreatedAt.IsZero() {
		created = cp.CreatedAt.Format("2006-01-02 15:04:05")
	}
	name := cp.CheckpointName
	if name == "" {
		name = "Unnamed"
	}

	info := "Checkpoint Details:\n"
	info += fmt.Sprintf("• ID: %d\n", cp.ID)
	info += fmt.Sprintf("• Name: %s\n", name)
	info += fmt.Sprintf("• Type: %s\n", kind)
	info += fmt.Sprintf("• Created: %s\n", created)
	info += fmt.Sprintf("• Conversation Length: %d messages", len(cp.ConversationHistory))
	return info, nil
}

func (a *RollbackAgent) cleanupAutoCheckpointsTool(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if a.session == nil || a.session.ID == 0 {
		return "No active session or checkpoint functionality unavailable.", nil
	}

	keepLatest := 5
	if v, ok := stateInt(args["keep_latest"]); ok {
		keepLatest = int(v)
	}

	deleted, err := a.store.DeleteAutoCheckpoints(a.session.ID, keepLatest)
	if err != nil {
		return nil, err
	}
	if deleted > 0 {
		return fmt.Sprintf("✓ Cleaned up %d old automatic checkpoints.", deleted), nil
	}
	return "No automatic checkpoints to clean up.", nil
}
