// ABOUTME: Configuration loading for the archon-probe client.
// ABOUTME: Loads TOML config from XDG path with environment variable expansion.

package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Auth    AuthConfig    `toml:"auth"`
	Logging LoggingConfig `toml:"logging"`
}

type ServerConfig struct {
	URL  string `toml:"url"`
	Mode string `toml:"mode"`
}

type AuthConfig struct {
	Token     string `toml:"token"`
	TokenFile string `toml:"token_file"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// configPath returns the probe config location.
// Priority: ARCHON_PROBE_CONFIG env var > XDG_CONFIG_HOME/archon/probe.toml > ~/.config/archon/probe.toml
func configPath() string {
	if envPath := os.Getenv("ARCHON_PROBE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "probe.toml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "archon", "probe.toml")
}

// loadConfig reads config from the given path, expanding environment
// variables. A missing file yields the defaults rather than an error, so the
// probe works against a local server with no setup.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{URL: "http://localhost:8080/rpc"},
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables (${VAR} syntax)
	expanded := expandEnvVars(string(data))

	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.url must use http or https scheme")
	}
	if c.Server.Mode != "" && c.Server.Mode != "streaming" && c.Server.Mode != "fallback" {
		return fmt.Errorf("server.mode must be streaming or fallback")
	}
	return nil
}

// token resolves the bearer token for the handshake.
// Priority: ARCHON_TOKEN env var > auth.token > auth.token_file > ~/.config/archon/token
func (c *Config) token() string {
	if t := os.Getenv("ARCHON_TOKEN"); t != "" {
		return t
	}
	if c.Auth.Token != "" {
		return c.Auth.Token
	}

	tokenFile := c.Auth.TokenFile
	if tokenFile == "" {
		tokenFile = filepath.Join(filepath.Dir(configPath()), "token")
	}
	data, err := os.ReadFile(tokenFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
