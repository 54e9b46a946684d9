// Package auth provides local user accounts: registration, login, API keys,
// per-user session limits, and agent preferences.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/crypto/bcrypt"
)

// bcryptPrefix tags hashes produced by the current scheme. Untagged hashes
// are legacy SHA-256 hex digests and keep verifying until the password is
// next changed.
const bcryptPrefix = "bcrypt:"

// RootUsername is the built-in admin account created on first init.
const RootUsername = "rootusr"

// DefaultSessionLimit bounds concurrent outer sessions per user.
const DefaultSessionLimit = 5

// User represents an account with authentication state, session tracking,
// and agent preferences.
type User struct {
	ID             int64                  `json:"id"`
	Username       string                 `json:"username"`
	PasswordHash   string                 `json:"-"`
	IsAdmin        bool                   `json:"is_admin"`
	CreatedAt      time.Time              `json:"created_at"`
	LastLogin      *time.Time             `json:"last_login,omitempty"`
	ActiveSessions []int64                `json:"active_sessions"`
	Preferences    map[string]interface{} `json:"preferences"`
	APIKey         string                 `json:"api_key,omitempty"`
	SessionLimit   int                    `json:"session_limit"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// AgentConfig is the effective agent configuration derived from user
// preferences.
type AgentConfig struct {
	Temperature         float64 `mapstructure:"temperature"`
	MaxTokens           int     `mapstructure:"max_tokens"`
	Model               string  `mapstructure:"model"`
	AutoCheckpoint      bool    `mapstructure:"auto_checkpoint"`
	CheckpointFrequency int     `mapstructure:"checkpoint_frequency"`
	MaxCheckpoints      int     `mapstructure:"max_checkpoints"`
	EnableToolRollback  bool    `mapstructure:"enable_tool_rollback"`
	SystemPrompt        string  `mapstructure:"system_prompt"`
}

// NewUser creates an account shell; the caller sets the password.
func NewUser(username string) *User {
	return &User{
		Username:       username,
		CreatedAt:      time.Now(),
		ActiveSessions: []int64{},
		Preferences:    make(map[string]interface{}),
		SessionLimit:   DefaultSessionLimit,
	}
}

// HashPassword hashes a password with bcrypt, tagged so it can coexist with
// legacy SHA-256 hashes in the same column.
func HashPassword(password string) string {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		// bcrypt only fails on oversized input; fall back to the legacy
		// digest rather than storing nothing.
		return legacyHash(password)
	}
	return bcryptPrefix + string(hash)
}

func legacyHash(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// SetPassword replaces the stored hash with a fresh bcrypt hash.
func (u *User) SetPassword(password string) {
	u.PasswordHash = HashPassword(password)
}

// VerifyPassword checks a password against the stored hash, accepting both
// the current bcrypt scheme and legacy SHA-256 digests.
func (u *User) VerifyPassword(password string) bool {
	if strings.HasPrefix(u.PasswordHash, bcryptPrefix) {
		hash := strings.TrimPrefix(u.PasswordHash, bcryptPrefix)
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	}
	return u.PasswordHash != "" &&
		subtle.ConstantTimeCompare([]byte(u.PasswordHash), []byte(legacyHash(password))) == 1
}

// GenerateAPIKey creates and stores a fresh API key of the form
// sk-<43 URL-safe chars>.
func (u *User) GenerateAPIKey() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("auth: crypto/rand unavailable: " + err.Error())
	}
	u.APIKey = "sk-" + base64.RawURLEncoding.EncodeToString(buf)
	return u.APIKey
}

// VerifyAPIKey checks a key against the stored one.
func (u *User) VerifyAPIKey(apiKey string) bool {
	return u.APIKey != "" && u.APIKey == apiKey
}

// AddSession registers an outer session ID, returning false when the
// session limit is reached. Adding an existing ID succeeds without change.
func (u *User) AddSession(sessionID int64) bool {
	if len(u.ActiveSessions) >= u.SessionLimit {
		return false
	}
	for _, id := range u.ActiveSessions {
		if id == sessionID {
			return true
		}
	}
	u.ActiveSessions = append(u.ActiveSessions, sessionID)
	return true
}

// RemoveSession drops an outer session ID from the active set.
func (u *User) RemoveSession(sessionID int64) {
	for i, id := range u.ActiveSessions {
		if id == sessionID {
			u.ActiveSessions = append(u.ActiveSessions[:i], u.ActiveSessions[i+1:]...)
			return
		}
	}
}

// HasSession reports whether the user owns an outer session.
func (u *User) HasSession(sessionID int64) bool {
	for _, id := range u.ActiveSessions {
		if id == sessionID {
			return true
		}
	}
	return false
}

// GetPreference returns a raw preference value.
func (u *User) GetPreference(key string) (interface{}, bool) {
	v, ok := u.Preferences[key]
	return v, ok
}

// SetPreference stores a raw preference value.
func (u *User) SetPreference(key string, value interface{}) {
	if u.Preferences == nil {
		u.Preferences = make(map[string]interface{})
	}
	u.Preferences[key] = value
}

// GetAgentConfig materializes the effective agent configuration from the
// user's preferences layered over the defaults.
func (u *User) GetAgentConfig() AgentConfig {
	cfg := AgentConfig{
		Temperature:         0.7,
		MaxTokens:           2000,
		Model:               "gpt-4",
		AutoCheckpoint:      true,
		CheckpointFrequency: 5,
		MaxCheckpoints:      50,
		EnableToolRollback:  true,
	}
	if len(u.Preferences) == 0 {
		return cfg
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err == nil {
		_ = decoder.Decode(u.Preferences)
	}
	return cfg
}
