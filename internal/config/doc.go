// Package config handles configuration loading for coven-harness.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file, chosen by extension
// (.toml is TOML, anything else is YAML). Environment variables are expanded
// before parsing, defaults are applied to anything left unset, and the result
// is validated.
//
// # Configuration File
//
// Resolution order used by the CLI:
//
//  1. The --config flag
//  2. Path from the COVEN_HARNESS_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/harness.yaml (~/.config/coven/harness.yaml)
//
// A missing default file is not an error; defaults are used.
//
// # Environment Variable Expansion
//
//	secrets:
//	  GITHUB_TOKEN: "${GITHUB_TOKEN}"
//
// # Configuration Sections
//
//	engine:
//	  max_iterations: 500
//	  stuck_detection: true
//	  confirmation: "risky"     # never, always, risky
//	  risk_threshold: "high"    # low, medium, high (risky only)
//
//	persistence:
//	  backend: "file"           # memory, file, sqlite
//	  path: "~/.local/share/coven/conversations"  # a .db file for sqlite
//	  shard_size: 20
//
//	delegation:
//	  max_children: 10
//	  join_timeout: "10s"
//	  max_runtime: "5m"
//	  poll_interval: "100ms"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/coven/harness.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
