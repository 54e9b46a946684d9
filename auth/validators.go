package auth

import (
	"fmt"
	"regexp"
	"strings"
)

// ============================================================================
// VALIDATION RULES
// ============================================================================

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)
	apiKeyBody      = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// SupportedModels lists the model identifiers accepted in preferences.
var SupportedModels = []string{
	"gpt-3.5-turbo", "gpt-4", "gpt-4-turbo", "gpt-4o",
	"claude-2", "claude-3-opus", "claude-3-sonnet",
	"llama-2", "mistral", "gemini-pro",
}

// ValidateUsername checks username format: 3 to 30 characters, leading
// letter, then letters, digits, and underscores.
func ValidateUsername(username string) (bool, string) {
	if username == "" {
		return false, "Username cannot be empty"
	}
	if len(username) < 3 {
		return false, "Username must be at least 3 characters long"
	}
	if len(username) > 30 {
		return false, "Username cannot exceed 30 characters"
	}
	if !usernamePattern.MatchString(username) {
		return false, "Username must start with a letter and contain only letters, numbers, and underscores"
	}
	return true, ""
}

// ValidatePassword checks password strength: longer than 4 characters and
// no surrounding whitespace.
func ValidatePassword(password string) (bool, string) {
	if password == "" {
		return false, "Password cannot be empty"
	}
	if len(password) <= 4 {
		return false, "Password must be longer than 4 characters"
	}
	if password != strings.TrimSpace(password) {
		return false, "Password cannot start or end with spaces"
	}
	return true, ""
}

// ValidatePasswordMatch checks that a password and its confirmation agree.
func ValidatePasswordMatch(password, confirm string) (bool, string) {
	if password != confirm {
		return false, "Passwords do not match"
	}
	return true, ""
}

// ValidateAdminPermission checks the caller holds admin rights.
func ValidateAdminPermission(isAdmin bool) (bool, string) {
	if !isAdmin {
		return false, "Admin permission required for this operation"
	}
	return true, ""
}

// ValidateRegistrationData validates a full registration request. An empty
// confirmation skips the match check.
func ValidateRegistrationData(username, password, confirm string) (bool, string) {
	if ok, msg := ValidateUsername(username); !ok {
		return false, msg
	}
	if ok, msg := ValidatePassword(password); !ok {
		return false, msg
	}
	if confirm != "" {
		if ok, msg := ValidatePasswordMatch(password, confirm); !ok {
			return false, msg
		}
	}
	return true, ""
}

// ValidateAPIKeyFormat checks the sk- prefix, minimum length, and body
// character set.
func ValidateAPIKeyFormat(apiKey string) (bool, string) {
	if apiKey == "" {
		return false, "API key cannot be empty"
	}
	if !strings.HasPrefix(apiKey, "sk-") {
		return false, "API key must start with 'sk-'"
	}
	if len(apiKey) < 20 {
		return false, "API key is too short"
	}
	if !apiKeyBody.MatchString(apiKey[3:]) {
		return false, "API key contains invalid characters"
	}
	return true, ""
}

// ValidatePreferences validates an agent preference map. Unknown keys pass
// through untouched.
func ValidatePreferences(preferences map[string]interface{}) (bool, string) {
	if preferences == nil {
		return false, "Preferences must be a dictionary"
	}

	if v, ok := preferences["temperature"]; ok {
		temp, isNum := asFloat(v)
		if !isNum {
			return false, "Temperature must be a number"
		}
		if temp < 0 || temp > 2 {
			return false, "Temperature must be between 0 and 2"
		}
	}

	if v, ok := preferences["max_tokens"]; ok {
		maxTokens, isInt := asInt(v)
		if !isInt {
			return false, "Max tokens must be an integer"
		}
		if maxTokens < 1 || maxTokens > 100000 {
			return false, "Max tokens must be between 1 and 100000"
		}
	}

	if v, ok := preferences["model"]; ok {
		model, isStr := v.(string)
		if !isStr {
			return false, "Model must be a string"
		}
		supported := false
		for _, m := range SupportedModels {
			if m == model {
				supported = true
				break
			}
		}
		if !supported {
			return false, fmt.Sprintf("Model '%s' is not supported", model)
		}
	}

	for _, pref := range []string{"auto_checkpoint", "enable_tool_rollback"} {
		if v, ok := preferences[pref]; ok {
			if _, isBool := v.(bool); !isBool {
				return false, fmt.Sprintf("%s must be a boolean", pref)
			}
		}
	}

	for _, pref := range []string{"checkpoint_frequency", "max_checkpoints"} {
		if v, ok := preferences[pref]; ok {
			value, isInt := asInt(v)
			if !isInt {
				return false, fmt.Sprintf("%s must be an integer", pref)
			}
			if value < 1 {
				return false, fmt.Sprintf("%s must be positive", pref)
			}
		}
	}

	if v, ok := preferences["system_prompt"]; ok {
		prompt, isStr := v.(string)
		if !isStr {
			return false, "System prompt must be a string"
		}
		if len(prompt) > 10000 {
			return false, "System prompt is too long (max 10000 characters)"
		}
	}

	return true, ""
}

// ValidateSessionLimit checks the per-user session limit bounds.
func ValidateSessionLimit(limit int) (bool, string) {
	if limit < 1 {
		return false, "Session limit must be at least 1"
	}
	if limit > 100 {
		return false, "Session limit cannot exceed 100"
	}
	return true, ""
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// asInt accepts native ints and the float64 values JSON decoding produces,
// as long as they are integral.
func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int64(n)) {
			return int(n), true
		}
	}
	return 0, false
}
