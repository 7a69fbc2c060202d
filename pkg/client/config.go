package client

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config stores client preferences persisted as YAML in the data dir.
type Config struct {
	ServerURL string `yaml:"server_url"`
	LogLevel  string `yaml:"log_level,omitempty"`
	LogFormat string `yaml:"log_format,omitempty"`
}

// DefaultConfig returns the out-of-the-box client configuration.
func DefaultConfig() *Config {
	return &Config{
		ServerURL: "http://localhost:8080",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// DefaultDataDir is where the client keeps its config, credentials, and
// transcript when no --data-dir is given.
func DefaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ".duochat"
	}
	return filepath.Join(base, "duochat")
}

// LoadConfig loads the YAML config from dir, falling back to defaults
// when the file does not exist.
func LoadConfig(dir string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(filepath.Join(dir, "config.yaml")) //nolint:gosec // caller-chosen data dir
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("client: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("client: parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the config back to dir.
func (c *Config) Save(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("client: create data dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("client: marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0600)
}
