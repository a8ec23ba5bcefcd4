// ABOUTME: Configuration loading and parsing for archon-mcp
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete archon-mcp configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Session   SessionConfig   `yaml:"session"`
	Calls     CallsConfig     `yaml:"calls"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	Endpoint string `yaml:"endpoint"` // RPC endpoint path, defaults to /rpc
}

// TransportConfig holds streaming transport configuration
type TransportConfig struct {
	DefaultMode string `yaml:"default_mode"` // "streaming" or "fallback"
	QueueSize   int    `yaml:"queue_size"`   // per-session outbound queue capacity

	HandshakeDeadline time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HandshakeDeadlineRaw string `yaml:"handshake_deadline"`
}

// SessionConfig holds session lifecycle timing configuration
type SessionConfig struct {
	InactivityTimeout time.Duration `yaml:"-"`
	SweepInterval     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	InactivityTimeoutRaw string `yaml:"inactivity_timeout"`
	SweepIntervalRaw     string `yaml:"sweep_interval"`
}

// CallsConfig holds per-call dispatch configuration
type CallsConfig struct {
	DefaultDeadline time.Duration `yaml:"-"`
	ReplayWindow    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	DefaultDeadlineRaw string `yaml:"default_deadline"`
	ReplayWindowRaw    string `yaml:"replay_window"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	CertFile  string `yaml:"cert_file"` // TLS cert file (generate via: tailscale cert <hostname>)
	KeyFile   string `yaml:"key_file"`  // TLS key file
	Funnel    bool   `yaml:"funnel"`    // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds the session ledger database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
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

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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
	// A listen address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Transport.DefaultMode {
	case "", "streaming", "fallback":
	default:
		return fmt.Errorf("transport.default_mode must be \"streaming\" or \"fallback\", got %q", c.Transport.DefaultMode)
	}

	if c.Transport.QueueSize < 0 {
		return fmt.Errorf("transport.queue_size must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"transport.handshake_deadline", cfg.Transport.HandshakeDeadlineRaw, &cfg.Transport.HandshakeDeadline},
		{"session.inactivity_timeout", cfg.Session.InactivityTimeoutRaw, &cfg.Session.InactivityTimeout},
		{"session.sweep_interval", cfg.Session.SweepIntervalRaw, &cfg.Session.SweepInterval},
		{"calls.default_deadline", cfg.Calls.DefaultDeadlineRaw, &cfg.Calls.DefaultDeadline},
		{"calls.replay_window", cfg.Calls.ReplayWindowRaw, &cfg.Calls.ReplayWindow},
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
