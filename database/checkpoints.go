package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/agentgit/agentgit/checkpoints"
)

const checkpointColumns = `id, internal_session_id, checkpoint_name, checkpoint_data, is_auto, created_at, user_id`

// CheckpointCounts breaks down checkpoints by kind.
type CheckpointCounts struct {
	Total  int `json:"total"`
	Auto   int `json:"auto"`
	Manual int `json:"manual"`
}

// SaveCheckpoint inserts a checkpoint (ID zero) or rewrites an existing
// one. The full snapshot is stored as a JSON blob next to the denormalized
// listing columns.
func (s *Store) SaveCheckpoint(cp *checkpoints.Checkpoint) (*checkpoints.Checkpoint, error) {
	ctx := context.Background()

	isAuto := 0
	if cp.IsAuto {
		isAuto = 1
	}
	name := sql.NullString{String: cp.CheckpointName, Valid: cp.CheckpointName != ""}

	if cp.ID == 0 {
		blob, err := json.Marshal(cp)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
		}
		query := `INSERT INTO checkpoints (internal_session_id, checkpoint_name, checkpoint_data, is_auto, created_at, user_id)
			VALUES (?, ?, ?, ?, ?, ?)`
		id, err := s.insertReturningID(ctx, nil, query,
			cp.InnerSessionID, name, string(blob), isAuto, formatTime(cp.CreatedAt), cp.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert checkpoint: %w", err)
		}
		cp.ID = id

		// Rewrite the blob so it carries the assigned ID
		if err := s.rewriteCheckpointBlob(ctx, cp); err != nil {
			return nil, err
		}
		return cp, nil
	}

	blob, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	query := s.rebind(`UPDATE checkpoints SET checkpoint_name = ?, checkpoint_data = ?, is_auto = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, name, string(blob), isAuto, cp.ID); err != nil {
		return nil, fmt.Errorf("failed to update checkpoint: %w", err)
	}
	return cp, nil
}

func (s *Store) rewriteCheckpointBlob(ctx context.Context, cp *checkpoints.Checkpoint) error {
	blob, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	query := s.rebind(`UPDATE checkpoints SET checkpoint_data = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, string(blob), cp.ID); err != nil {
		return fmt.Errorf("failed to rewrite checkpoint blob: %w", err)
	}
	return nil
}

// GetCheckpoint returns (nil, nil) when no checkpoint matches.
func (s *Store) GetCheckpoint(id int64) (*checkpoints.Checkpoint, error) {
	query := s.rebind(`SELECT ` + checkpointColumns + ` FROM checkpoints WHERE id = ?`)
	row := s.db.QueryRowContext(context.Background(), query, id)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	return cp, nil
}

// GetCheckpointsBySession lists a timeline's checkpoints newest first.
// autoOnly restricts the list to automatic checkpoints.
func (s *Store) GetCheckpointsBySession(innerSessionID int64, autoOnly bool) ([]*checkpoints.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE internal_session_id = ?`
	if autoOnly {
		query += ` AND is_auto = 1`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	return s.queryCheckpoints(s.rebind(query), innerSessionID)
}

// GetLatestCheckpoint returns the newest checkpoint of a timeline, or
// (nil, nil) when it has none.
func (s *Store) GetLatestCheckpoint(innerSessionID int64) (*checkpoints.Checkpoint, error) {
	query := s.rebind(`SELECT ` + checkpointColumns + ` FROM checkpoints WHERE internal_session_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`)
	row := s.db.QueryRowContext(context.Background(), query, innerSessionID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest checkpoint: %w", err)
	}
	return cp, nil
}

// GetCheckpointsByUser lists a user's checkpoints across all sessions,
// newest first. A non-positive limit means no limit.
func (s *Store) GetCheckpointsByUser(userID int64, limit int) ([]*checkpoints.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE user_id = ? ORDER BY created_at DESC, id DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryCheckpoints(s.rebind(query), args...)
}

// GetCheckpointsWithToolInvocations lists checkpoints of a timeline that
// recorded at least one tool invocation, newest first.
func (s *Store) GetCheckpointsWithToolInvocations(innerSessionID int64) ([]*checkpoints.Checkpoint, error) {
	all, err := s.GetCheckpointsBySession(innerSessionID, false)
	if err != nil {
		return nil, err
	}
	var result []*checkpoints.Checkpoint
	for _, cp := range all {
		if cp.HasToolInvocations() {
			result = append(result, cp)
		}
	}
	return result, nil
}

// SearchCheckpoints matches term against checkpoint names and serialized
// snapshots within one timeline.
func (s *Store) SearchCheckpoints(innerSessionID int64, term string) ([]*checkpoints.Checkpoint, error) {
	pattern := "%" + term + "%"
	query := s.rebind(`SELECT ` + checkpointColumns + ` FROM checkpoints
		WHERE internal_session_id = ? AND (checkpoint_name LIKE ? OR checkpoint_data LIKE ?)
		ORDER BY created_at DESC, id DESC`)
	return s.queryCheckpoints(query, innerSessionID, pattern, pattern)
}

func (s *Store) queryCheckpoints(query string, args ...interface{}) ([]*checkpoints.Checkpoint, error) {
	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var result []*checkpoints.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	return result, rows.Err()
}

// UpdateCheckpointMetadata merges entries into a checkpoint's metadata and
// rewrites the stored blob.
func (s *Store) UpdateCheckpointMetadata(id int64, merge map[string]interface{}) error {
	cp, err := s.GetCheckpoint(id)
	if err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("checkpoint %d not found", id)
	}

	if cp.Metadata == nil {
		cp.Metadata = make(map[string]interface{})
	}
	for k, v := range merge {
		cp.Metadata[k] = v
	}
	return s.rewriteCheckpointBlob(context.Background(), cp)
}

// DeleteCheckpoint removes a single checkpoint.
func (s *Store) DeleteCheckpoint(id int64) error {
	query := s.rebind(`DELETE FROM checkpoints WHERE id = ?`)
	result, err := s.db.ExecContext(context.Background(), query, id)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("checkpoint %d not found", id)
	}
	return nil
}

// DeleteCheckpointsBySession removes all checkpoints of a timeline and
// returns how many were deleted.
func (s *Store) DeleteCheckpointsBySession(innerSessionID int64) (int, error) {
	query := s.rebind(`DELETE FROM checkpoints WHERE internal_session_id = ?`)
	result, err := s.db.ExecContext(context.Background(), query, innerSessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

// DeleteAutoCheckpoints removes automatic checkpoints beyond the
// keepLatest most recent ones. Manual checkpoints are never touched.
func (s *Store) DeleteAutoCheckpoints(innerSessionID int64, keepLatest int) (int, error) {
	if keepLatest < 0 {
		keepLatest = 0
	}

	// Collect the IDs to keep, then delete the rest. A subselect with
	// LIMIT inside NOT IN is not portable across the supported backends.
	keepQuery := s.rebind(`SELECT id FROM checkpoints WHERE internal_session_id = ? AND is_auto = 1 ORDER BY created_at DESC, id DESC LIMIT ?`)
	rows, err := s.db.QueryContext(context.Background(), keepQuery, innerSessionID, keepLatest)
	if err != nil {
		return 0, fmt.Errorf("failed to select retained checkpoints: %w", err)
	}
	keep := []interface{}{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		keep = append(keep, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	query := `DELETE FROM checkpoints WHERE internal_session_id = ? AND is_auto = 1`
	args := []interface{}{innerSessionID}
	if len(keep) > 0 {
		query += ` AND id NOT IN (?` + repeatPlaceholder(len(keep)-1) + `)`
		args = append(args, keep...)
	}

	result, err := s.db.ExecContext(context.Background(), s.rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete auto checkpoints: %w", err)
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

// CountCheckpoints breaks a timeline's checkpoints down by kind.
func (s *Store) CountCheckpoints(innerSessionID int64) (CheckpointCounts, error) {
	query := s.rebind(`SELECT COUNT(*), COALESCE(SUM(is_auto), 0) FROM checkpoints WHERE internal_session_id = ?`)
	var counts CheckpointCounts
	if err := s.db.QueryRowContext(context.Background(), query, innerSessionID).Scan(&counts.Total, &counts.Auto); err != nil {
		return counts, fmt.Errorf("failed to count checkpoints: %w", err)
	}
	counts.Manual = counts.Total - counts.Auto
	return counts, nil
}

func scanCheckpoint(row rowScanner) (*checkpoints.Checkpoint, error) {
	var id, innerSessionID int64
	var name, blob, createdAt sql.NullString
	var isAuto sql.NullInt64
	var userID sql.NullInt64

	if err := row.Scan(&id, &innerSessionID, &name, &blob, &isAuto, &createdAt, &userID); err != nil {
		return nil, err
	}

	var cp checkpoints.Checkpoint
	if blob.Valid && blob.String != "" {
		if err := json.Unmarshal([]byte(blob.String), &cp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint blob: %w", err)
		}
	}

	// The denormalized columns are authoritative
	cp.ID = id
	cp.InnerSessionID = innerSessionID
	cp.CheckpointName = name.String
	cp.IsAuto = isAuto.Int64 != 0
	cp.CreatedAt = parseTime(createdAt.String)
	if userID.Valid {
		v := userID.Int64
		cp.UserID = &v
	}

	return &cp, nil
}
