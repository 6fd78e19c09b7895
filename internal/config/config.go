package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all strata configuration.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Storage     StorageConfig     `toml:"storage"`
	LLM         LLMConfig         `toml:"llm"`
	Compression CompressionConfig `toml:"compression"`
	Log         LogConfig         `toml:"log"`
}

type ServerConfig struct {
	Bind string `toml:"bind"`
	Port int    `toml:"port"`
}

type StorageConfig struct {
	DataDir string `toml:"data_dir"` // resolved at runtime via DefaultDataDir() when empty
}

type LLMConfig struct {
	Provider string   `toml:"provider"` // "claude-cli", "builtin", "mock"
	Command  []string `toml:"command"`  // overrides the claude invocation
	Model    string   `toml:"model"`    // e.g. "haiku", "sonnet"
}

// CompressionConfig bounds compression jobs. LockStaleAfter must exceed
// Timeout: a job's lock may only be reclaimed once its collaborator deadline
// has certainly passed. MaxSkipRate 0 tolerates no malformed lines.
type CompressionConfig struct {
	MinMessages    int      `toml:"min_messages"`
	MaxSkipRate    float64  `toml:"max_skip_rate"`
	Timeout        Duration `toml:"timeout"`
	LockStaleAfter Duration `toml:"lock_stale_after"`
	DefaultLevel   string   `toml:"default_level"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text" or "json"
}

// Duration is a time.Duration that decodes from TOML strings like "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37790,
		},
		LLM: LLMConfig{
			Provider: "claude-cli",
			Model:    "haiku",
		},
		Compression: CompressionConfig{
			MinMessages:    10,
			MaxSkipRate:    0.05,
			Timeout:        Duration{10 * time.Minute},
			LockStaleAfter: Duration{15 * time.Minute},
			DefaultLevel:   "moderate",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ConfigDir returns the XDG-compliant config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "strata")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "strata")
}

// ConfigPath returns the full path to the config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// DefaultDataDir returns ~/.strata.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".strata"), nil
}

// Load reads the config file at ConfigPath, returning defaults if it doesn't exist.
func Load() (Config, error) {
	return LoadFile(ConfigPath())
}

// LoadFile reads the config file at path over the defaults, then applies
// environment overrides.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if dir := os.Getenv("STRATA_DATA_DIR"); dir != "" {
		c.Storage.DataDir = dir
	}
	if lvl := os.Getenv("STRATA_LOG_LEVEL"); lvl != "" {
		c.Log.Level = lvl
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	return c.Compression.Validate()
}

// Validate checks the compression bounds.
func (c CompressionConfig) Validate() error {
	if c.MinMessages < 1 {
		return fmt.Errorf("compression.min_messages must be >= 1, got %d", c.MinMessages)
	}
	if c.MaxSkipRate < 0 || c.MaxSkipRate > 1 {
		return fmt.Errorf("compression.max_skip_rate must be within [0, 1], got %v", c.MaxSkipRate)
	}
	if c.LockStaleAfter.Duration <= 0 {
		return fmt.Errorf("compression.lock_stale_after must be positive")
	}
	if c.Timeout.Duration <= 0 {
		return fmt.Errorf("compression.timeout must be positive")
	}
	if c.LockStaleAfter.Duration <= c.Timeout.Duration {
		return fmt.Errorf("compression.lock_stale_after (%s) must exceed compression.timeout (%s)",
			c.LockStaleAfter.Duration, c.Timeout.Duration)
	}
	return nil
}

// ResolveDataDir returns the configured data directory or the default one.
func (c *Config) ResolveDataDir() (string, error) {
	if c.Storage.DataDir != "" {
		return c.Storage.DataDir, nil
	}
	return DefaultDataDir()
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// ServerURL returns the base URL CLI commands talk to. STRATA_URL wins.
func (c *Config) ServerURL() string {
	if u := os.Getenv("STRATA_URL"); u != "" {
		return u
	}
	return "http://" + c.ListenAddr()
}
