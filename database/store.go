// Package database implements the SQL store for users, sessions, and
// checkpoints. SQLite is the default backend; postgres and mysql are
// selected by dialect. Concurrency is handled by database-level locking
// (transactions).
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/agentgit/agentgit/auth"
	"github.com/agentgit/agentgit/config"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQL-backed persistence layer.
type Store struct {
	db      *sql.DB
	dialect string
	logger  *slog.Logger
}

// Store satisfies the auth user store surface.
var _ auth.UserStore = (*Store)(nil)

// Open connects to the configured backend and initializes the schema. For
// sqlite the parent directory is created and foreign keys are enabled per
// connection.
func Open(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	switch cfg.Database {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres connection: %w", err)
		}
		return NewStore(db, "postgres", logger)
	default:
		if err := config.EnsureDBDir(cfg.DBPath); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn := fmt.Sprintf("file:%s?_foreign_keys=on", cfg.DBPath)
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		return NewStore(db, "sqlite", logger)
	}
}

// NewStore wraps an existing connection. The dialect selects placeholder
// style and DDL variants.
func NewStore(db *sql.DB, dialect string, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{db: db, dialect: dialect, logger: logger}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to the dialect's native style.
func (s *Store) rebind(query string) string {
	if s.dialect == "postgres" {
		return convertToPostgresPlaceholders(query)
	}
	return query
}

// insertReturningID executes an INSERT and returns the generated id.
// Postgres has no LastInsertId, so the query grows a RETURNING clause.
func (s *Store) insertReturningID(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) (int64, error) {
	if s.dialect == "postgres" {
		q := convertToPostgresPlaceholders(query + " RETURNING id")
		var id int64
		var err error
		if tx != nil {
			err = tx.QueryRowContext(ctx, q, args...).Scan(&id)
		} else {
			err = s.db.QueryRowContext(ctx, q, args...).Scan(&id)
		}
		return id, err
	}

	var result sql.Result
	var err error
	if tx != nil {
		result, err = tx.ExecContext(ctx, query, args...)
	} else {
		result, err = s.db.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// convertToPostgresPlaceholders converts ? to $1, $2, etc. in a single pass.
func convertToPostgresPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 20)
	paramNum := 1
	for _, c := range query {
		if c == '?' {
			b.WriteString(fmt.Sprintf("$%d", paramNum))
			paramNum++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// isUniqueViolation reports whether err is a unique-constraint failure on
// any supported backend.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "Duplicate entry") // mysql
}

// formatTime serializes a timestamp for TEXT storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime deserializes a stored timestamp; zero time on empty input.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// nullableTime formats an optional timestamp.
func nullableTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}
