package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentgit/agentgit/auth"
)

// userData is the JSON payload of the users.data column: everything that is
// not worth a dedicated column.
type userData struct {
	ActiveSessions []int64                `json:"active_sessions"`
	Preferences    map[string]interface{} `json:"preferences,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// ensureRootUser creates the built-in rootusr admin on first init.
func (s *Store) ensureRootUser(ctx context.Context) error {
	var count int
	query := s.rebind(`SELECT COUNT(*) FROM users WHERE username = ?`)
	if err := s.db.QueryRowContext(ctx, query, auth.RootUsername).Scan(&count); err != nil {
		return fmt.Errorf("failed to check for root user: %w", err)
	}
	if count > 0 {
		return nil
	}

	root := auth.NewUser(auth.RootUsername)
	root.IsAdmin = true
	root.SetPassword("1234")
	if _, err := s.SaveUser(root); err != nil {
		return fmt.Errorf("failed to create root user: %w", err)
	}
	s.logger.Info("created default admin user", "username", auth.RootUsername)
	return nil
}

// SaveUser inserts a new user (ID zero) or updates an existing one.
// Username collisions, including insert races, surface as
// auth.ErrUsernameTaken.
func (s *Store) SaveUser(user *auth.User) (*auth.User, error) {
	ctx := context.Background()

	data, err := json.Marshal(userData{
		ActiveSessions: user.ActiveSessions,
		Preferences:    user.Preferences,
		Metadata:       user.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal user data: %w", err)
	}

	isAdmin := 0
	if user.IsAdmin {
		isAdmin = 1
	}
	apiKey := sql.NullString{String: user.APIKey, Valid: user.APIKey != ""}

	if user.ID == 0 {
		// insertReturningID rebinds placeholders itself
		query := `INSERT INTO users (username, password_hash, is_admin, created_at, last_login, data, api_key, session_limit)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
		id, err := s.insertReturningID(ctx, nil, query,
			user.Username, user.PasswordHash, isAdmin, formatTime(user.CreatedAt),
			nullableTime(user.LastLogin), string(data), apiKey, user.SessionLimit)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, auth.ErrUsernameTaken
			}
			return nil, fmt.Errorf("failed to insert user: %w", err)
		}
		user.ID = id
		return user, nil
	}

	query := s.rebind(`UPDATE users
		SET username = ?, password_hash = ?, is_admin = ?, last_login = ?, data = ?, api_key = ?, session_limit = ?
		WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query,
		user.Username, user.PasswordHash, isAdmin, nullableTime(user.LastLogin),
		string(data), apiKey, user.SessionLimit, user.ID); err != nil {
		if isUniqueViolation(err) {
			return nil, auth.ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return user, nil
}

// FindUserByID returns (nil, nil) when no user matches.
func (s *Store) FindUserByID(id int64) (*auth.User, error) {
	return s.findUser(`SELECT id, username, password_hash, is_admin, created_at, last_login, data, api_key, session_limit FROM users WHERE id = ?`, id)
}

// FindUserByUsername returns (nil, nil) when no user matches.
func (s *Store) FindUserByUsername(username string) (*auth.User, error) {
	return s.findUser(`SELECT id, username, password_hash, is_admin, created_at, last_login, data, api_key, session_limit FROM users WHERE username = ?`, username)
}

// FindUserByAPIKey returns (nil, nil) when no user matches.
func (s *Store) FindUserByAPIKey(apiKey string) (*auth.User, error) {
	if apiKey == "" {
		return nil, nil
	}
	return s.findUser(`SELECT id, username, password_hash, is_admin, created_at, last_login, data, api_key, session_limit FROM users WHERE api_key = ?`, apiKey)
}

func (s *Store) findUser(query string, arg interface{}) (*auth.User, error) {
	row := s.db.QueryRowContext(context.Background(), s.rebind(query), arg)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

// FindAllUsers returns every account ordered by id.
func (s *Store) FindAllUsers() ([]*auth.User, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT id, username, password_hash, is_admin, created_at, last_login, data, api_key, session_limit FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []*auth.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// UpdateLastLogin stamps the last login time.
func (s *Store) UpdateLastLogin(id int64, ts time.Time) error {
	query := s.rebind(`UPDATE users SET last_login = ? WHERE id = ?`)
	_, err := s.db.ExecContext(context.Background(), query, formatTime(ts), id)
	return err
}

// UpdateAPIKey stores or, with an empty key, revokes the API key.
func (s *Store) UpdateAPIKey(id int64, apiKey string) error {
	query := s.rebind(`UPDATE users SET api_key = ? WHERE id = ?`)
	value := sql.NullString{String: apiKey, Valid: apiKey != ""}
	_, err := s.db.ExecContext(context.Background(), query, value, id)
	return err
}

// UpdateUserPreferences merges preference entries into the stored set.
func (s *Store) UpdateUserPreferences(id int64, preferences map[string]interface{}) error {
	user, err := s.FindUserByID(id)
	if err != nil {
		return err
	}
	if user == nil {
		return auth.ErrUserNotFound
	}

	if user.Preferences == nil {
		user.Preferences = make(map[string]interface{})
	}
	for k, v := range preferences {
		user.Preferences[k] = v
	}
	_, err = s.SaveUser(user)
	return err
}

// CleanupInactiveSessions drops session IDs absent from activeSessionIDs.
func (s *Store) CleanupInactiveSessions(id int64, activeSessionIDs []int64) error {
	user, err := s.FindUserByID(id)
	if err != nil {
		return err
	}
	if user == nil {
		return auth.ErrUserNotFound
	}

	active := make(map[int64]struct{}, len(activeSessionIDs))
	for _, sid := range activeSessionIDs {
		active[sid] = struct{}{}
	}
	kept := []int64{}
	for _, sid := range user.ActiveSessions {
		if _, ok := active[sid]; ok {
			kept = append(kept, sid)
		}
	}
	user.ActiveSessions = kept
	_, err = s.SaveUser(user)
	return err
}

// DeleteUser removes an account. Owned rows in dependent tables cascade or
// null out per the schema.
func (s *Store) DeleteUser(id int64) error {
	query := s.rebind(`DELETE FROM users WHERE id = ?`)
	result, err := s.db.ExecContext(context.Background(), query, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return auth.ErrUserNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*auth.User, error) {
	var user auth.User
	var isAdmin int
	var createdAt, lastLogin, data, apiKey sql.NullString
	var sessionLimit sql.NullInt64

	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &isAdmin,
		&createdAt, &lastLogin, &data, &apiKey, &sessionLimit)
	if err != nil {
		return nil, err
	}

	user.IsAdmin = isAdmin != 0
	user.CreatedAt = parseTime(createdAt.String)
	if lastLogin.Valid && lastLogin.String != "" {
		t := parseTime(lastLogin.String)
		user.LastLogin = &t
	}
	user.APIKey = apiKey.String
	user.SessionLimit = auth.DefaultSessionLimit
	if sessionLimit.Valid && sessionLimit.Int64 > 0 {
		user.SessionLimit = int(sessionLimit.Int64)
	}

	user.ActiveSessions = []int64{}
	user.Preferences = make(map[string]interface{})
	if data.Valid && data.String != "" {
		var payload userData
		if err := json.Unmarshal([]byte(data.String), &payload); err == nil {
			if payload.ActiveSessions != nil {
				user.ActiveSessions = payload.ActiveSessions
			}
			if payload.Preferences != nil {
				user.Preferences = payload.Preferences
			}
			user.Metadata = payload.Metadata
		}
	}

	return &user, nil
}
