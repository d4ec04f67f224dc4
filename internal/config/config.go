// ABOUTME: Configuration loading and parsing for coven-harness
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-harness/internal/state"
)

// EnvConfigPath names the environment variable that points at a config file.
const EnvConfigPath = "COVEN_HARNESS_CONFIG"

// Persistence backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config represents the complete coven-harness configuration
type Config struct {
	Engine      EngineConfig      `yaml:"engine" toml:"engine"`
	Persistence PersistenceConfig `yaml:"persistence" toml:"persistence"`
	Delegation  DelegationConfig  `yaml:"delegation" toml:"delegation"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Secrets     map[string]string `yaml:"secrets" toml:"secrets"`
}

// EngineConfig holds run-loop settings
type EngineConfig struct {
	MaxIterations  int    `yaml:"max_iterations" toml:"max_iterations"`
	StuckDetection *bool  `yaml:"stuck_detection" toml:"stuck_detection"`
	Confirmation   string `yaml:"confirmation" toml:"confirmation"`
	RiskThreshold  string `yaml:"risk_threshold" toml:"risk_threshold"`
}

// StuckDetectionEnabled defaults to true when unset.
func (e EngineConfig) StuckDetectionEnabled() bool {
	return e.StuckDetection == nil || *e.StuckDetection
}

// Policy builds the confirmation policy named by the engine section.
func (e EngineConfig) Policy() (state.ConfirmationPolicy, error) {
	name := e.Confirmation
	if name == "risky" && e.RiskThreshold != "" {
		name = "risky:" + e.RiskThreshold
	}
	return state.ParsePolicy(name)
}

// PersistenceConfig selects where conversations are stored. Path is a
// directory for the file backend and a database file for sqlite.
type PersistenceConfig struct {
	Backend   string `yaml:"backend" toml:"backend"`
	Path      string `yaml:"path" toml:"path"`
	ShardSize int    `yaml:"shard_size" toml:"shard_size"`
}

// DelegationConfig holds sub-agent limits and timing
type DelegationConfig struct {
	MaxChildren  int           `yaml:"max_children" toml:"max_children"`
	JoinTimeout  time.Duration `yaml:"-" toml:"-"`
	MaxRuntime   time.Duration `yaml:"-" toml:"-"`
	PollInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	JoinTimeoutRaw  string `yaml:"join_timeout" toml:"join_timeout"`
	MaxRuntimeRaw   string `yaml:"max_runtime" toml:"max_runtime"`
	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw YAML, or TOML when isTOML is set, into a validated Config.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault resolves the config path (flag, then env, then the XDG
// default) and loads it. Only an explicitly named file must exist.
func LoadOrDefault(flagPath string) (*Config, error) {
	path, explicit := ResolvePath(flagPath)
	cfg, err := Load(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// ResolvePath returns the config file to read and whether the caller named it.
func ResolvePath(flagPath string) (string, bool) {
	if flagPath != "" {
		return flagPath, true
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, true
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "coven", "harness.yaml"), false
}

// DefaultDataDir is where persisted conversations live when no path is set.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func DefaultDataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "coven")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Engine.MaxIterations == 0 {
		cfg.Engine.MaxIterations = 500
	}
	if cfg.Engine.Confirmation == "" {
		cfg.Engine.Confirmation = "never"
	}
	if cfg.Persistence.Backend == "" {
		cfg.Persistence.Backend = BackendFile
	}
	if cfg.Persistence.Path == "" {
		switch cfg.Persistence.Backend {
		case BackendFile:
			cfg.Persistence.Path = filepath.Join(DefaultDataDir(), "conversations")
		case BackendSQLite:
			cfg.Persistence.Path = filepath.Join(DefaultDataDir(), "harness.db")
		}
	}
	if cfg.Persistence.ShardSize == 0 {
		cfg.Persistence.ShardSize = 20
	}
	if cfg.Delegation.MaxChildren == 0 {
		cfg.Delegation.MaxChildren = 10
	}
	if cfg.Delegation.JoinTimeout == 0 {
		cfg.Delegation.JoinTimeout = 10 * time.Second
	}
	if cfg.Delegation.MaxRuntime == 0 {
		cfg.Delegation.MaxRuntime = 5 * time.Minute
	}
	if cfg.Delegation.PollInterval == 0 {
		cfg.Delegation.PollInterval = 100 * time.Millisecond
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Engine.MaxIterations < 0 {
		return fmt.Errorf("engine.max_iterations must not be negative")
	}
	if _, err := c.Engine.Policy(); err != nil {
		return fmt.Errorf("engine.confirmation: %w", err)
	}

	switch c.Persistence.Backend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if c.Persistence.Path == "" {
			return fmt.Errorf("persistence.path is required for backend %q", c.Persistence.Backend)
		}
	default:
		return fmt.Errorf("persistence.backend must be memory, file or sqlite, got %q", c.Persistence.Backend)
	}
	if c.Persistence.ShardSize < 1 {
		return fmt.Errorf("persistence.shard_size must be at least 1")
	}

	if c.Delegation.MaxChildren < 1 {
		return fmt.Errorf("delegation.max_children must be at least 1")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
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
		{"join_timeout", cfg.Delegation.JoinTimeoutRaw, &cfg.Delegation.JoinTimeout},
		{"max_runtime", cfg.Delegation.MaxRuntimeRaw, &cfg.Delegation.MaxRuntime},
		{"poll_interval", cfg.Delegation.PollIntervalRaw, &cfg.Delegation.PollInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
