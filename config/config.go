// Package config resolves runtime configuration from the environment.
//
// A .env file in the working directory is honored when present. Environment
// variables always take precedence over .env values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

const (
	// DefaultDBPath is the sqlite database location used when neither
	// DATABASE_URL nor an explicit path is provided.
	DefaultDBPath = "data/rollback_agent.db"

	// DefaultModel is the chat model used when the user has no preference.
	DefaultModel = "gpt-4o-mini"
)

// Config holds the resolved runtime configuration.
type Config struct {
	// Database is the backend kind: "sqlite" (default) or "postgres".
	Database string

	// DatabaseURL is the DSN for postgres, or an optional sqlite:// URL.
	DatabaseURL string

	// DBPath is the resolved sqlite file path (ignored for postgres).
	DBPath string

	// APIKey authenticates against the chat-completions endpoint.
	APIKey string

	// BaseURL overrides the chat-completions endpoint (sanitized).
	BaseURL string

	// Model is the default chat model.
	Model string
}

// Load reads configuration from the environment. A .env file is loaded
// first when one exists; missing files are not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Database:    strings.ToLower(strings.TrimSpace(getEnv("DATABASE", "sqlite"))),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		APIKey:      os.Getenv("OPENAI_API_KEY"),
		BaseURL:     SanitizeBaseURL(os.Getenv("BASE_URL")),
		Model:       getEnv("OPENAI_MODEL", DefaultModel),
	}

	switch cfg.Database {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported DATABASE value %q (expected sqlite or postgres)", cfg.Database)
	}

	if cfg.Database == "postgres" {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE=postgres requires DATABASE_URL")
		}
		lower := strings.ToLower(cfg.DatabaseURL)
		if !strings.HasPrefix(lower, "postgresql://") && !strings.HasPrefix(lower, "postgres://") {
			return nil, fmt.Errorf("DATABASE_URL must be a postgresql:// DSN, got %q", cfg.DatabaseURL)
		}
	}

	cfg.DBPath = resolveSQLitePath(cfg.DatabaseURL)
	return cfg, nil
}

// resolveSQLitePath extracts the file path from a sqlite:// URL, falling
// back to the default data directory path.
func resolveSQLitePath(dbURL string) string {
	lower := strings.ToLower(dbURL)
	if strings.HasPrefix(lower, "sqlite://") {
		if strings.HasPrefix(lower, "sqlite:///") {
			return dbURL[len("sqlite:///"):]
		}
		return strings.SplitN(dbURL, "://", 2)[1]
	}
	return DefaultDBPath
}

// SanitizeBaseURL normalizes a user-supplied endpoint URL. Whitespace and
// trailing slashes are stripped and a missing scheme defaults to https.
// Empty input yields the empty string.
func SanitizeBaseURL(raw string) string {
	url := strings.TrimRight(strings.TrimSpace(raw), "/")
	if url == "" {
		return ""
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}
	return url
}

// EnsureDBDir creates the parent directory of a sqlite database path.
func EnsureDBDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
