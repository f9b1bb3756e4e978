// Package config provides TOML configuration file loading and parsing for the host.
// The configuration file lives at ~/.syncpad/config.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the host configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags.
type Config struct {
	// Addr is the host:port for the WebSocket server.
	// Default: 127.0.0.1:7070
	Addr string `toml:"addr"`

	// DBPath is the path to the SQLite database for the pattern cache.
	// Default: ~/.syncpad/syncpad.db
	DBPath string `toml:"db_path"`

	// GeminiAPIKey is the API key for the generative fix backend.
	// Falls back to the GEMINI_API_KEY environment variable when empty.
	// When neither is set, the fix loop is disabled and the host runs
	// as a pure collaborative editor.
	GeminiAPIKey string `toml:"gemini_api_key"`

	// GeminiModel is the model used for fix generation.
	// Default: gemini-2.5-flash
	GeminiModel string `toml:"gemini_model"`

	// FixMaxAttempts is the number of repair attempts per diagnostic
	// before giving up. Default: 3
	FixMaxAttempts int `toml:"fix_max_attempts"`

	// FixBackendTimeoutMs bounds a single backend call in milliseconds.
	// Default: 30000
	FixBackendTimeoutMs int `toml:"fix_backend_timeout_ms"`

	// FixVerifyTimeoutMs is how long an applied fix waits for the
	// diagnostic to re-appear before being considered successful.
	// Default: 5000
	FixVerifyTimeoutMs int `toml:"fix_verify_timeout_ms"`

	// FixBackoffBaseMs is the initial retry delay in milliseconds.
	// Default: 500
	FixBackoffBaseMs int `toml:"fix_backoff_base_ms"`

	// FixBackoffCapMs is the maximum retry delay in milliseconds.
	// Default: 8000
	FixBackoffCapMs int `toml:"fix_backoff_cap_ms"`

	// CacheCapacity is the maximum number of fix patterns kept in memory.
	// Default: 512
	CacheCapacity int `toml:"cache_capacity"`

	// MdnsEnabled enables mDNS/Bonjour service advertisement.
	// When true, the host advertises itself on the local network,
	// allowing editor clients to discover it without manual IP entry.
	// Default: false (disabled - must be explicitly enabled)
	MdnsEnabled bool `toml:"mdns_enabled"`
}

// DefaultConfigPath returns the default config file location: ~/.syncpad/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".syncpad", "config.toml"), nil
}

// DefaultDBPath returns the default pattern database location:
// ~/.syncpad/syncpad.db.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".syncpad", "syncpad.db"), nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.syncpad/config.toml).
//     Returns a Config with defaults without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		// No explicit path: try default location, but don't error if missing.
		// This allows the host to start without any config file.
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			// Can't determine home dir, return defaults
			cfg.applyDefaults()
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			// Default config doesn't exist, that's fine
			cfg.applyDefaults()
			return cfg, nil
		}
		path = defaultPath
	} else {
		// Explicit path provided: error if file doesn't exist.
		// This matches user expectation: if they specify a config file, it should exist.
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	// Parse the TOML file. Any parse error is fatal since the user expects
	// the config to be applied.
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills zero-valued fields with their documented defaults.
// Called after parsing so a partial config file still produces a usable
// configuration.
func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.DBPath == "" {
		if p, err := DefaultDBPath(); err == nil {
			c.DBPath = p
		}
	}
	if c.GeminiAPIKey == "" {
		c.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	}
	if c.GeminiModel == "" {
		c.GeminiModel = DefaultGeminiModel
	}
	if c.FixMaxAttempts == 0 {
		c.FixMaxAttempts = DefaultFixMaxAttempts
	}
	if c.FixBackendTimeoutMs == 0 {
		c.FixBackendTimeoutMs = DefaultFixBackendTimeoutMs
	}
	if c.FixVerifyTimeoutMs == 0 {
		c.FixVerifyTimeoutMs = DefaultFixVerifyTimeoutMs
	}
	if c.FixBackoffBaseMs == 0 {
		c.FixBackoffBaseMs = DefaultFixBackoffBaseMs
	}
	if c.FixBackoffCapMs == 0 {
		c.FixBackoffCapMs = DefaultFixBackoffCapMs
	}
	if c.CacheCapacity == 0 {
		c.CacheCapacity = DefaultCacheCapacity
	}
}
