package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	Addr       string        `yaml:"addr"`        // HTTP bind address (e.g. ":8080")
	DBPath     string        `yaml:"db_path"`     // SQLite database path
	JWTSecret  string        `yaml:"jwt_secret"`  // HMAC signing key for tokens
	AccessTTL  time.Duration `yaml:"access_ttl"`  // access token lifetime
	RefreshTTL time.Duration `yaml:"refresh_ttl"` // refresh token lifetime
	LogLevel   string        `yaml:"log_level"`
	LogFormat  string        `yaml:"log_format"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:       ":8080",
		DBPath:     "duochat.db",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
		LogLevel:   "info",
		LogFormat:  "text",
	}
}

// LoadConfig reads a YAML config file over the defaults. A missing file
// is not an error. The DUOCHAT_JWT_SECRET environment variable, when
// set, overrides the file so the secret can stay out of config files.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("server: read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("server: parse config: %w", err)
			}
		}
	}

	if secret := os.Getenv("DUOCHAT_JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}
	return cfg, nil
}

// Validate reports configuration errors that must stop startup.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("server: jwt_secret is required (set it in the config file or DUOCHAT_JWT_SECRET)")
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return fmt.Errorf("server: token lifetimes must be positive")
	}
	return nil
}
