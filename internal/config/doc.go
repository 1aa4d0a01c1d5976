// Package config handles configuration loading for coven-chat.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_CHAT_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/coven/chat.yaml
//
// Files ending in .toml are decoded with BurntSushi/toml, everything else
// with yaml.v3. Both formats use the same keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"  # Live update streams
//	  http_addr: "0.0.0.0:8080"   # JSON API
//
// Database:
//
//	database:
//	  path: "/var/lib/coven/chat.db"
//	  driver: "sqlite"   # sqlite (pure Go) or sqlite3 (cgo)
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"  # Required, at least 32 bytes
//	  token_ttl: "720h"
//
// Chat timing:
//
//	chat:
//	  request_timeout: "10s"   # Per-operation deadline, surfaced as ErrTimeout
//	  reconnect_min: "250ms"   # Live stream reconnect backoff
//	  reconnect_max: "30s"
//	  idempotency_ttl: "10m"   # How long an Idempotency-Key is remembered
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "coven-chat"
//	  auth_key: "${TS_AUTHKEY}"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
