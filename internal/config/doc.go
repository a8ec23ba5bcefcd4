// Package config handles configuration loading for archon-mcp.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from ARCHON_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/archon/archon.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${ARCHON_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	session:
//	  inactivity_timeout: "5m"
//	  sweep_interval: "30s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  endpoint: "/rpc"
//
// Transport:
//
//	transport:
//	  default_mode: "streaming"   # streaming, fallback
//	  handshake_deadline: "10s"
//	  queue_size: 64
//
// Session lifecycle:
//
//	session:
//	  inactivity_timeout: "5m"
//	  sweep_interval: "30s"
//
// Call dispatch:
//
//	calls:
//	  default_deadline: "30s"
//	  replay_window: "2m"
//
// Ledger database:
//
//	database:
//	  path: "/var/lib/archon/archon.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${ARCHON_JWT_SECRET}"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "archon-mcp"
//	  auth_key: "${TS_AUTHKEY}"
//	  funnel: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/archon/archon.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
