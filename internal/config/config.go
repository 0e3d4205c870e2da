// ABOUTME: Configuration loading and parsing for parleyd
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete parleyd configuration
type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	Conversations ConversationsConfig `yaml:"conversations"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ConversationsConfig holds conversation lifecycle timing configuration
type ConversationsConfig struct {
	CleanupInterval    time.Duration `yaml:"-"`
	IdleTimeout        time.Duration `yaml:"-"`
	NegotiationTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	CleanupIntervalRaw    string `yaml:"cleanup_interval"`
	IdleTimeoutRaw        string `yaml:"idle_timeout"`
	NegotiationTimeoutRaw string `yaml:"negotiation_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with standard values for every field a
// config file may omit.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "parley.db"},
		Conversations: ConversationsConfig{
			CleanupInterval:    5 * time.Minute,
			IdleTimeout:        24 * time.Hour,
			NegotiationTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Conversations.CleanupInterval <= 0 {
		return fmt.Errorf("conversations.cleanup_interval must be positive")
	}
	if c.Conversations.IdleTimeout <= 0 {
		return fmt.Errorf("conversations.idle_timeout must be positive")
	}
	if c.Conversations.NegotiationTimeout <= 0 {
		return fmt.Errorf("conversations.negotiation_timeout must be positive")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Conversations.CleanupIntervalRaw != "" {
		cfg.Conversations.CleanupInterval, err = time.ParseDuration(cfg.Conversations.CleanupIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing cleanup_interval %q: %w", cfg.Conversations.CleanupIntervalRaw, err)
		}
	}

	if cfg.Conversations.IdleTimeoutRaw != "" {
		cfg.Conversations.IdleTimeout, err = time.ParseDuration(cfg.Conversations.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_timeout %q: %w", cfg.Conversations.IdleTimeoutRaw, err)
		}
	}

	if cfg.Conversations.NegotiationTimeoutRaw != "" {
		cfg.Conversations.NegotiationTimeout, err = time.ParseDuration(cfg.Conversations.NegotiationTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing negotiation_timeout %q: %w", cfg.Conversations.NegotiationTimeoutRaw, err)
		}
	}

	return nil
}
