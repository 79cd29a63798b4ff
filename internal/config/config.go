// ABOUTME: Configuration loading and parsing for saga-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete saga-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Session     SessionConfig     `yaml:"session"`
	Connections ConnectionsConfig `yaml:"connections"`
	Broadcast   BroadcastConfig   `yaml:"broadcast"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds turn-log persistence configuration.
// An empty path selects the in-memory store (sessions do not survive restart).
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds resumption token configuration
type AuthConfig struct {
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"-"`

	TokenTTLRaw string `yaml:"token_ttl"`
}

// SessionConfig holds session garbage-collection timing
type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	IdleTimeoutRaw   string `yaml:"idle_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// ConnectionsConfig holds connection liveness timing
type ConnectionsConfig struct {
	HeartbeatTimeout time.Duration `yaml:"-"`
	Retention        time.Duration `yaml:"-"`
	SweepInterval    time.Duration `yaml:"-"`

	HeartbeatTimeoutRaw string `yaml:"heartbeat_timeout"`
	RetentionRaw        string `yaml:"retention"`
	SweepIntervalRaw    string `yaml:"sweep_interval"`
}

// BroadcastConfig tunes per-connection delivery and reconnect replay
type BroadcastConfig struct {
	QueueSize           int   `yaml:"queue_size"`
	RetryAttempts       int   `yaml:"retry_attempts"`
	ReplayLimitTurns    int64 `yaml:"replay_limit_turns"`
	ColdJoinWindowTurns int64 `yaml:"cold_join_window_turns"`

	RetryBackoff    time.Duration `yaml:"-"`
	RetryBackoffRaw string        `yaml:"retry_backoff"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default timings applied when the config file leaves them unset.
const (
	defaultTokenTTL         = 24 * time.Hour
	defaultIdleTimeout      = 2 * time.Hour
	defaultSessionSweep     = 10 * time.Minute
	defaultHeartbeatTimeout = 60 * time.Second
	defaultRetention        = time.Hour
	defaultConnectionSweep  = 30 * time.Second
)

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

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret is required")
	}

	if c.Connections.HeartbeatTimeout <= 0 {
		return fmt.Errorf("connections.heartbeat_timeout must be positive")
	}

	if c.Broadcast.ReplayLimitTurns < 0 {
		return fmt.Errorf("broadcast.replay_limit_turns must not be negative")
	}

	return nil
}

// ApplyDefaults fills unset timing fields. Load calls it; callers building a
// Config by hand should too.
func (c *Config) ApplyDefaults() {
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = defaultTokenTTL
	}
	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = defaultIdleTimeout
	}
	if c.Session.SweepInterval == 0 {
		c.Session.SweepInterval = defaultSessionSweep
	}
	if c.Connections.HeartbeatTimeout == 0 {
		c.Connections.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.Connections.Retention == 0 {
		c.Connections.Retention = defaultRetention
	}
	if c.Connections.SweepInterval == 0 {
		c.Connections.SweepInterval = defaultConnectionSweep
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Auth.TokenTTLRaw, "auth.token_ttl", &cfg.Auth.TokenTTL},
		{cfg.Session.IdleTimeoutRaw, "session.idle_timeout", &cfg.Session.IdleTimeout},
		{cfg.Session.SweepIntervalRaw, "session.sweep_interval", &cfg.Session.SweepInterval},
		{cfg.Connections.HeartbeatTimeoutRaw, "connections.heartbeat_timeout", &cfg.Connections.HeartbeatTimeout},
		{cfg.Connections.RetentionRaw, "connections.retention", &cfg.Connections.Retention},
		{cfg.Connections.SweepIntervalRaw, "connections.sweep_interval", &cfg.Connections.SweepInterval},
		{cfg.Broadcast.RetryBackoffRaw, "broadcast.retry_backoff", &cfg.Broadcast.RetryBackoff},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
