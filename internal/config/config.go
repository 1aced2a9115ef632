// ABOUTME: Configuration loading and parsing for the skillswap chat client.
// ABOUTME: Supports YAML files with environment variable expansion and sane defaults.

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete chat client configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Cache   CacheConfig   `yaml:"cache"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds backend endpoint configuration.
type ServerConfig struct {
	// BaseURL is the HTTP API base, e.g. "https://chat.example.com".
	BaseURL string `yaml:"base_url"`
	// WebsocketURL is the push endpoint. Derived from BaseURL when empty.
	WebsocketURL string `yaml:"websocket_url"`
}

// AuthConfig holds credential resolution configuration.
type AuthConfig struct {
	// TokenFile overrides the default token file location.
	TokenFile string `yaml:"token_file"`
}

// CacheConfig holds local history cache configuration.
type CacheConfig struct {
	// Path to the SQLite cache file. Empty disables the cache.
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// DefaultPath returns the config file location.
// Priority: SKILLSWAP_CONFIG env var > XDG_CONFIG_HOME/skillswap/chat.yaml > ~/.config/skillswap/chat.yaml
func DefaultPath() string {
	if envPath := os.Getenv("SKILLSWAP_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chat.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "skillswap", "chat.yaml")
}

// New builds a config from a bare server URL, for running without a config
// file. The websocket endpoint is derived and defaults are applied.
func New(baseURL string) (*Config, error) {
	cfg := &Config{}
	cfg.Server.BaseURL = baseURL
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment
// variable values. Unset variables are replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in fields that can be derived from others.
func (c *Config) applyDefaults() {
	if c.Server.WebsocketURL == "" && c.Server.BaseURL != "" {
		c.Server.WebsocketURL = deriveWebsocketURL(c.Server.BaseURL)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// deriveWebsocketURL maps an HTTP base URL to its /ws push endpoint.
func deriveWebsocketURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// Validate checks that all required configuration fields are present and valid.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if _, err := url.Parse(c.Server.BaseURL); err != nil {
		return fmt.Errorf("server.base_url is not a valid URL: %w", err)
	}
	if c.Server.WebsocketURL == "" {
		return fmt.Errorf("server.websocket_url could not be derived from server.base_url")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug/info/warn/error, got %q", c.Logging.Level)
	}

	return nil
}
