package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name     string
		username string
		valid    bool
		message  string
	}{
		{"valid", "john_doe", true, ""},
		{"empty", "", false, "Username cannot be empty"},
		{"too short", "ab", false, "Username must be at least 3 characters long"},
		{"too long", strings.Repeat("a", 31), false, "Username cannot exceed 30 characters"},
		{"leading digit", "1abc", false, "Username must start with a letter and contain only letters, numbers, and underscores"},
		{"bad characters", "john-doe", false, "Username must start with a letter and contain only letters, numbers, and underscores"},
		{"exactly 3", "abc", true, ""},
		{"exactly 30", strings.Repeat("a", 30), true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, msg := ValidateUsername(tt.username)
			assert.Equal(t, tt.valid, ok)
			assert.Equal(t, tt.message, msg)
		})
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		valid    bool
		message  string
	}{
		{"valid", "hello", true, ""},
		{"empty", "", false, "Password cannot be empty"},
		{"four chars", "abcd", false, "Password must be longer than 4 characters"},
		{"leading space", " hello", false, "Password cannot start or end with spaces"},
		{"trailing space", "hello ", false, "Password cannot start or end with spaces"},
		{"inner space ok", "hel lo", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, msg := ValidatePassword(tt.password)
			assert.Equal(t, tt.valid, ok)
			assert.Equal(t, tt.message, msg)
		})
	}
}

func TestValidateRegistrationData(t *testing.T) {
	ok, msg := ValidateRegistrationData("alice", "secret1", "secret1")
	assert.True(t, ok, msg)

	ok, msg = ValidateRegistrationData("alice", "secret1", "different")
	assert.False(t, ok)
	assert.Equal(t, "Passwords do not match", msg)

	ok, _ = ValidateRegistrationData("alice", "secret1", "")
	assert.True(t, ok, "empty confirmation skips the match check")
}

func TestValidateAPIKeyFormat(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		valid   bool
		message string
	}{
		{"valid", "sk-" + strings.Repeat("a", 17), true, ""},
		{"empty", "", false, "API key cannot be empty"},
		{"wrong prefix", "pk-" + strings.Repeat("a", 20), false, "API key must start with 'sk-'"},
		{"too short", "sk-short", false, "API key is too short"},
		{"bad characters", "sk-" + strings.Repeat("a", 16) + "!", false, "API key contains invalid characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, msg := ValidateAPIKeyFormat(tt.key)
			assert.Equal(t, tt.valid, ok)
			assert.Equal(t, tt.message, msg)
		})
	}
}

func TestValidatePreferences(t *testing.T) {
	tests := []struct {
		name    string
		prefs   map[string]interface{}
		valid   bool
		message string
	}{
		{"empty map", map[string]interface{}{}, true, ""},
		{"nil map", nil, false, "Preferences must be a dictionary"},
		{"valid temperature", map[string]interface{}{"temperature": 1.5}, true, ""},
		{"temperature too high", map[string]interface{}{"temperature": 2.5}, false, "Temperature must be between 0 and 2"},
		{"temperature not a number", map[string]interface{}{"temperature": "hot"}, false, "Temperature must be a number"},
		{"valid max_tokens", map[string]interface{}{"max_tokens": float64(4096)}, true, ""},
		{"max_tokens fractional", map[string]interface{}{"max_tokens": 1.5}, false, "Max tokens must be an integer"},
		{"max_tokens out of range", map[string]interface{}{"max_tokens": 100001}, false, "Max tokens must be between 1 and 100000"},
		{"supported model", map[string]interface{}{"model": "claude-3-opus"}, true, ""},
		{"unsupported model", map[string]interface{}{"model": "gpt-5"}, false, "Model 'gpt-5' is not supported"},
		{"model not a string", map[string]interface{}{"model": 4}, false, "Model must be a string"},
		{"bad boolean", map[string]interface{}{"auto_checkpoint": "yes"}, false, "auto_checkpoint must be a boolean"},
		{"bad integer pref", map[string]interface{}{"max_checkpoints": 0}, false, "max_checkpoints must be positive"},
		{"long system prompt", map[string]interface{}{"system_prompt": strings.Repeat("x", 10001)}, false, "System prompt is too long (max 10000 characters)"},
		{"unknown keys pass", map[string]interface{}{"favorite_color": "blue"}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, msg := ValidatePreferences(tt.prefs)
			assert.Equal(t, tt.valid, ok)
			assert.Equal(t, tt.message, msg)
		})
	}
}

func TestValidateSessionLimit(t *testing.T) {
	ok, _ := ValidateSessionLimit(5)
	assert.True(t, ok)

	ok, msg := ValidateSessionLimit(0)
	assert.False(t, ok)
	assert.Equal(t, "Session limit must be at least 1", msg)

	ok, msg = ValidateSessionLimit(101)
	assert.False(t, ok)
	assert.Equal(t, "Session limit cannot exceed 100", msg)
}
