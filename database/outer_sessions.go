package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/agentgit/agentgit/sessions"
)

// CreateOuterSession inserts a new outer session and assigns its ID.
func (s *Store) CreateOuterSession(session *sessions.OuterSession) (*sessions.OuterSession, error) {
	ctx := context.Background()

	ids, metadata, err := marshalOuterFields(session)
	if err != nil {
		return nil, err
	}

	isActive := 0
	if session.IsActive {
		isActive = 1
	}

	query := `INSERT INTO external_sessions (user_id, session_name, created_at, updated_at, is_active, internal_session_ids, current_internal_session_id, metadata, branch_count, total_checkpoints)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	id, err := s.insertReturningID(ctx, nil, query,
		session.UserID, session.SessionName, formatTime(session.CreatedAt), formatTime(session.UpdatedAt),
		isActive, ids, session.CurrentInnerSessionID, metadata, session.BranchCount, session.TotalCheckpoints)
	if err != nil {
		return nil, fmt.Errorf("failed to create outer session: %w", err)
	}
	session.ID = id
	return session, nil
}

// UpdateOuterSession persists mutable fields of an outer session.
func (s *Store) UpdateOuterSession(session *sessions.OuterSession) error {
	ids, metadata, err := marshalOuterFields(session)
	if err != nil {
		return err
	}

	isActive := 0
	if session.IsActive {
		isActive = 1
	}

	query := s.rebind(`UPDATE external_sessions
		SET session_name = ?, updated_at = ?, is_active = ?, internal_session_ids = ?, current_internal_session_id = ?, metadata = ?, branch_count = ?, total_checkpoints = ?
		WHERE id = ?`)
	result, err := s.db.ExecContext(context.Background(), query,
		session.SessionName, formatTime(session.UpdatedAt), isActive, ids,
		session.CurrentInnerSessionID, metadata, session.BranchCount, session.TotalCheckpoints, session.ID)
	if err != nil {
		return fmt.Errorf("failed to update outer session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("outer session %d not found", session.ID)
	}
	return nil
}

// GetOuterSession returns (nil, nil) when no session matches.
func (s *Store) GetOuterSession(id int64) (*sessions.OuterSession, error) {
	query := s.rebind(`SELECT id, user_id, session_name, created_at, updated_at, is_active, internal_session_ids, current_internal_session_id, metadata, branch_count, total_checkpoints
		FROM external_sessions WHERE id = ?`)
	row := s.db.QueryRowContext(context.Background(), query, id)
	session, err := scanOuterSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query outer session: %w", err)
	}
	return session, nil
}

// GetOuterSessionsByUser lists a user's outer sessions, newest first.
func (s *Store) GetOuterSessionsByUser(userID int64) ([]*sessions.OuterSession, error) {
	query := s.rebind(`SELECT id, user_id, session_name, created_at, updated_at, is_active, internal_session_ids, current_internal_session_id, metadata, branch_count, total_checkpoints
		FROM external_sessions WHERE user_id = ? ORDER BY created_at DESC, id DESC`)
	rows, err := s.db.QueryContext(context.Background(), query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outer sessions: %w", err)
	}
	defer rows.Close()

	var result []*sessions.OuterSession
	for rows.Next() {
		session, err := scanOuterSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

// DeleteOuterSession removes an outer session; its inner sessions and
// their checkpoints cascade.
func (s *Store) DeleteOuterSession(id int64) error {
	query := s.rebind(`DELETE FROM external_sessions WHERE id = ?`)
	result, err := s.db.ExecContext(context.Background(), query, id)
	if err != nil {
		return fmt.Errorf("failed to delete outer session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("outer session %d not found", id)
	}
	return nil
}

func marshalOuterFields(session *sessions.OuterSession) (string, string, error) {
	ids, err := json.Marshal(session.InnerSessionIDs)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal inner session ids: %w", err)
	}
	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(ids), string(metadata), nil
}

func scanOuterSession(row rowScanner) (*sessions.OuterSession, error) {
	var session sessions.OuterSession
	var isActive, branchCount, totalCheckpoints sql.NullInt64
	var createdAt, updatedAt, ids, current, metadata sql.NullString

	err := row.Scan(&session.ID, &session.UserID, &session.SessionName, &createdAt, &updatedAt,
		&isActive, &ids, &current, &metadata, &branchCount, &totalCheckpoints)
	if err != nil {
		return nil, err
	}

	session.CreatedAt = parseTime(createdAt.String)
	session.UpdatedAt = parseTime(updatedAt.String)
	session.IsActive = isActive.Int64 != 0
	session.CurrentInnerSessionID = current.String
	session.BranchCount = int(branchCount.Int64)
	session.TotalCheckpoints = int(totalCheckpoints.Int64)

	session.InnerSessionIDs = []string{}
	if ids.Valid && ids.String != "" {
		if err := json.Unmarshal([]byte(ids.String), &session.InnerSessionIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal inner session ids: %w", err)
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
