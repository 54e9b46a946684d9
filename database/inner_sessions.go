package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/agentgit/agentgit/llms"
	"github.com/agentgit/agentgit/sessions"
)

const innerSessionColumns = `id, external_session_id, langgraph_session_id, state_data, conversation_history, created_at, is_current, checkpoint_count, parent_session_id, branch_point_checkpoint_id, tool_invocation_count, metadata`

// CreateInnerSession inserts a new timeline. When the session is current,
// the current bit on all siblings under the same outer session is cleared
// in the same transaction, keeping the at-most-one-current invariant.
func (s *Store) CreateInnerSession(session *sessions.InnerSession) (*sessions.InnerSession, error) {
	ctx := context.Background()

	state, history, metadata, err := marshalInnerFields(session)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if session.IsCurrent {
		clear := s.rebind(`UPDATE internal_sessions SET is_current = 0 WHERE external_session_id = ?`)
		if _, err := tx.ExecContext(ctx, clear, session.OuterSessionID); err != nil {
			return nil, fmt.Errorf("failed to clear current sessions: %w", err)
		}
	}

	isCurrent := 0
	if session.IsCurrent {
		isCurrent = 1
	}

	query := `INSERT INTO internal_sessions (external_session_id, langgraph_session_id, state_data, conversation_history, created_at, is_current, checkpoint_count, parent_session_id, branch_point_checkpoint_id, tool_invocation_count, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	id, err := s.insertReturningID(ctx, tx, query,
		session.OuterSessionID, session.GraphSessionID, state, history, formatTime(session.CreatedAt),
		isCurrent, session.CheckpointCount, session.ParentSessionID, session.BranchPointCheckpointID,
		session.ToolInvocationCount, metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to create inner session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	session.ID = id
	return session, nil
}

// UpdateInnerSession persists mutable fields with the same current-bit
// discipline as Create.
func (s *Store) UpdateInnerSession(session *sessions.InnerSession) error {
	ctx := context.Background()

	state, history, metadata, err := marshalInnerFields(session)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if session.IsCurrent {
		clear := s.rebind(`UPDATE internal_sessions SET is_current = 0 WHERE external_session_id = ? AND id != ?`)
		if _, err := tx.ExecContext(ctx, clear, session.OuterSessionID, session.ID); err != nil {
			return fmt.Errorf("failed to clear current sessions: %w", err)
		}
	}

	isCurrent := 0
	if session.IsCurrent {
		isCurrent = 1
	}

	query := s.rebind(`UPDATE internal_sessions
		SET state_data = ?, conversation_history = ?, is_current = ?, checkpoint_count = ?, parent_session_id = ?, branch_point_checkpoint_id = ?, tool_invocation_count = ?, metadata = ?
		WHERE id = ?`)
	result, err := tx.ExecContext(ctx, query,
		state, history, isCurrent, session.CheckpointCount, session.ParentSessionID,
		session.BranchPointCheckpointID, session.ToolInvocationCount, metadata, session.ID)
	if err != nil {
		return fmt.Errorf("failed to update inner session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("inner session %d not found", session.ID)
	}

	return tx.Commit()
}

// GetInnerSession returns (nil, nil) when no session matches.
func (s *Store) GetInnerSession(id int64) (*sessions.InnerSession, error) {
	query := s.rebind(`SELECT ` + innerSessionColumns + ` FROM internal_sessions WHERE id = ?`)
	return s.queryInnerSession(query, id)
}

// GetInnerSessionByGraphID looks a timeline up by its graph session ID.
func (s *Store) GetInnerSessionByGraphID(graphSessionID string) (*sessions.InnerSession, error) {
	query := s.rebind(`SELECT ` + innerSessionColumns + ` FROM internal_sessions WHERE langgraph_session_id = ?`)
	return s.queryInnerSession(query, graphSessionID)
}

// GetCurrentInnerSession returns the current timeline of an outer session,
// or (nil, nil) when none is marked current.
func (s *Store) GetCurrentInnerSession(outerSessionID int64) (*sessions.InnerSession, error) {
	query := s.rebind(`SELECT ` + innerSessionColumns + ` FROM internal_sessions WHERE external_session_id = ? AND is_current = 1`)
	return s.queryInnerSession(query, outerSessionID)
}

func (s *Store) queryInnerSession(query string, arg interface{}) (*sessions.InnerSession, error) {
	row := s.db.QueryRowContext(context.Background(), query, arg)
	session, err := scanInnerSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query inner session: %w", err)
	}
	return session, nil
}

// GetInnerSessionsByOuter lists all timelines under an outer session in
// creation order.
func (s *Store) GetInnerSessionsByOuter(outerSessionID int64) ([]*sessions.InnerSession, error) {
	query := s.rebind(`SELECT ` + innerSessionColumns + ` FROM internal_sessions WHERE external_session_id = ? ORDER BY created_at, id`)
	return s.queryInnerSessions(query, outerSessionID)
}

// GetBranchSessions lists the direct branches of a timeline.
func (s *Store) GetBranchSessions(parentSessionID int64) ([]*sessions.InnerSession, error) {
	query := s.rebind(`SELECT ` + innerSessionColumns + ` FROM internal_sessions WHERE parent_session_id = ? ORDER BY created_at, id`)
	return s.queryInnerSessions(query, parentSessionID)
}

func (s *Store) queryInnerSessions(query string, arg interface{}) ([]*sessions.InnerSession, error) {
	rows, err := s.db.QueryContext(context.Background(), query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query inner sessions: %w", err)
	}
	defer rows.Close()

	var result []*sessions.InnerSession
	for rows.Next() {
		session, err := scanInnerSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

// GetSessionLineage walks the parent chain and returns it root first,
// ending with the requested session.
func (s *Store) GetSessionLineage(id int64) ([]*sessions.InnerSession, error) {
	var lineage []*sessions.InnerSession

	current, err := s.GetInnerSession(id)
	if err != nil {
		return nil, err
	}
	for current != nil {
		lineage = append([]*sessions.InnerSession{current}, lineage...)
		if current.ParentSessionID == nil {
			break
		}
		current, err = s.GetInnerSession(*current.ParentSessionID)
		if err != nil {
			return nil, err
		}
	}
	return lineage, nil
}

// SetCurrentInnerSession flips the current bit to the given timeline,
// clearing its siblings in one transaction. Returns false when the session
// does not exist.
func (s *Store) SetCurrentInnerSession(id int64) (bool, error) {
	ctx := context.Background()

	session, err := s.GetInnerSession(id)
	if err != nil {
		return false, err
	}
	if session == nil {
		return false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	clear := s.rebind(`UPDATE internal_sessions SET is_current = 0 WHERE external_session_id = ? AND id != ?`)
	if _, err := tx.ExecContext(ctx, clear, session.OuterSessionID, id); err != nil {
		return false, fmt.Errorf("failed to clear current sessions: %w", err)
	}

	set := s.rebind(`UPDATE internal_sessions SET is_current = 1 WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, set, id); err != nil {
		return false, fmt.Errorf("failed to set current session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// DeleteInnerSession removes a timeline; its checkpoints cascade and its
// branches keep living with a nulled parent.
func (s *Store) DeleteInnerSession(id int64) error {
	query := s.rebind(`DELETE FROM internal_sessions WHERE id = ?`)
	result, err := s.db.ExecContext(context.Background(), query, id)
	if err != nil {
		return fmt.Errorf("failed to delete inner session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("inner session %d not found", id)
	}
	return nil
}

// CountInnerSessions counts timelines under an outer session.
func (s *Store) CountInnerSessions(outerSessionID int64) (int, error) {
	query := s.rebind(`SELECT COUNT(*) FROM internal_sessions WHERE external_session_id = ?`)
	var count int
	err := s.db.QueryRowContext(context.Background(), query, outerSessionID).Scan(&count)
	return count, err
}

// IncrementToolCount bumps the persisted tool invocation counter.
func (s *Store) IncrementToolCount(id int64, increment int) error {
	query := s.rebind(`UPDATE internal_sessions SET tool_invocation_count = tool_invocation_count + ? WHERE id = ?`)
	_, err := s.db.ExecContext(context.Background(), query, increment, id)
	return err
}

func marshalInnerFields(session *sessions.InnerSession) (string, string, string, error) {
	state, err := json.Marshal(session.SessionState)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal session state: %w", err)
	}
	history, err := json.Marshal(session.ConversationHistory)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal conversation history: %w", err)
	}
	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(state), string(history), string(metadata), nil
}

func scanInnerSession(row rowScanner) (*sessions.InnerSession, error) {
	var session sessions.InnerSession
	var state, history, createdAt, metadata sql.NullString
	var isCurrent, checkpointCount, toolCount sql.NullInt64
	var parentID, branchCheckpointID sql.NullInt64

	err := row.Scan(&session.ID, &session.OuterSessionID, &session.GraphSessionID,
		&state, &history, &createdAt, &isCurrent, &checkpointCount,
		&parentID, &branchCheckpointID, &toolCount, &metadata)
	if err != nil {
		return nil, err
	}

	session.CreatedAt = parseTime(createdAt.String)
	session.IsCurrent = isCurrent.Int64 != 0
	session.CheckpointCount = int(checkpointCount.Int64)
	session.ToolInvocationCount = int(toolCount.Int64)
	if parentID.Valid {
		v := parentID.Int64
		session.ParentSessionID = &v
	}
	if branchCheckpointID.Valid {
		v := branchCheckpointID.Int64
		session.BranchPointCheckpointID = &v
	}

	session.SessionState = make(map[string]interface{})
	if state.Valid && state.String != "" {
		if err := json.Unmarshal([]byte(state.String), &session.SessionState); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session state: %w", err)
		}
	}
	session.ConversationHistory = []llms.Message{}
	if history.Valid && history.String != "" {
		if err := json.Unmarshal([]byte(history.String), &session.ConversationHistory); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conversation history: %w", err)
		}
	}
	session.Metadata = make(map[string]interface{})
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &session.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &session, nil
}
