package database

import (
	"context"
	"fmt"
	"time"
)

// Schema creation SQL. The %s slot is the dialect's autoincrement primary
// key clause. Statements run separately for SQLite compatibility.

const createUsersSchemaSQL = `
CREATE TABLE IF NOT EXISTS users (
    id %s,
    username TEXT UNIQUE NOT NULL,
    password_hash TEXT NOT NULL,
    is_admin INTEGER DEFAULT 0,
    created_at TEXT,
    last_login TEXT,
    data TEXT,
    api_key TEXT,
    session_limit INTEGER DEFAULT 5
)`

const createOuterSessionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS external_sessions (
    id %s,
    user_id INTEGER,
    session_name TEXT,
    created_at TEXT,
    updated_at TEXT,
    is_active INTEGER DEFAULT 1,
    internal_session_ids TEXT,
    current_internal_session_id TEXT,
    metadata TEXT,
    branch_count INTEGER DEFAULT 0,
    total_checkpoints INTEGER DEFAULT 0,
    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
)`

const createInnerSessionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS internal_sessions (
    id %s,
    external_session_id INTEGER NOT NULL,
    langgraph_session_id TEXT UNIQUE NOT NULL,
    state_data TEXT,
    conversation_history TEXT,
    created_at TEXT NOT NULL,
    is_current INTEGER DEFAULT 0,
    checkpoint_count INTEGER DEFAULT 0,
    parent_session_id INTEGER,
    branch_point_checkpoint_id INTEGER,
    tool_invocation_count INTEGER DEFAULT 0,
    metadata TEXT,
    FOREIGN KEY (external_session_id) REFERENCES external_sessions(id) ON DELETE CASCADE,
    FOREIGN KEY (parent_session_id) REFERENCES internal_sessions(id) ON DELETE SET NULL
)`

const createCheckpointsSchemaSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
    id %s,
    internal_session_id INTEGER NOT NULL,
    checkpoint_name TEXT,
    checkpoint_data TEXT NOT NULL,
    is_auto INTEGER DEFAULT 0,
    created_at TEXT NOT NULL,
    user_id INTEGER,
    FOREIGN KEY (internal_session_id) REFERENCES internal_sessions(id) ON DELETE CASCADE,
    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE SET NULL
)`

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_internal_sessions_external ON internal_sessions(external_session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_internal_sessions_langgraph ON internal_sessions(langgraph_session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_internal_sessions_parent ON internal_sessions(parent_session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_internal_sessions_branch ON internal_sessions(branch_point_checkpoint_id)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(internal_session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_user ON checkpoints(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_external_sessions_user ON external_sessions(user_id)`,
}

func (s *Store) pkClause() string {
	switch s.dialect {
	case "postgres":
		return "SERIAL PRIMARY KEY"
	case "mysql":
		return "INTEGER PRIMARY KEY AUTO_INCREMENT"
	default:
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
}

// initSchema creates tables and indexes, applies column migrations, and
// bootstraps the rootusr admin account.
func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pk := s.pkClause()
	statements := []string{
		fmt.Sprintf(createUsersSchemaSQL, pk),
		fmt.Sprintf(createOuterSessionsSchemaSQL, pk),
		fmt.Sprintf(createInnerSessionsSchemaSQL, pk),
		fmt.Sprintf(createCheckpointsSchemaSQL, pk),
	}
	statements = append(statements, indexStatements...)

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	if err := s.migrate(ctx); err != nil {
		return err
	}

	return s.ensureRootUser(ctx)
}

// migrate adds columns introduced after early deployments. Probing by
// column keeps old sqlite files usable.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"users", "api_key", "ALTER TABLE users ADD COLUMN api_key TEXT"},
		{"users", "session_limit", "ALTER TABLE users ADD COLUMN session_limit INTEGER DEFAULT 5"},
		{"internal_sessions", "parent_session_id", "ALTER TABLE internal_sessions ADD COLUMN parent_session_id INTEGER"},
		{"internal_sessions", "branch_point_checkpoint_id", "ALTER TABLE internal_sessions ADD COLUMN branch_point_checkpoint_id INTEGER"},
		{"internal_sessions", "tool_invocation_count", "ALTER TABLE internal_sessions ADD COLUMN tool_invocation_count INTEGER DEFAULT 0"},
		{"internal_sessions", "metadata", "ALTER TABLE internal_sessions ADD COLUMN metadata TEXT"},
		{"checkpoints", "user_id", "ALTER TABLE checkpoints ADD COLUMN user_id INTEGER"},
	}

	for _, m := range migrations {
		exists, err := s.columnExists(ctx, m.table, m.column)
		if err != nil {
			return fmt.Errorf("failed to probe column %s.%s: %w", m.table, m.column, err)
		}
		if !exists {
			if _, err := s.db.ExecContext(ctx, m.ddl); err != nil {
				return fmt.Errorf("failed to add column %s.%s: %w", m.table, m.column, err)
			}
			s.logger.Info("applied column migration", "table", m.table, "column", m.column)
		}
	}
	return nil
}

func (s *Store) columnExists(ctx context.Context, table, column string) (bool, error) {
	if s.dialect == "sqlite" {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
		if err != nil {
			return false, err
		}
		defer rows.Close()

		for rows.Next() {
			var cid int
			var name, ctype string
			var notNull, pk int
			var dflt interface{}
			if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
				return false, err
			}
			if name == column {
				return true, nil
			}
		}
		return false, rows.Err()
	}

	query := s.rebind(`SELECT COUNT(*) FROM information_schema.columns WHERE table_name = ? AND column_name = ?`)
	var count int
	if err := s.db.QueryRowContext(ctx, query, table, column).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}
