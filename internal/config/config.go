// Package config provides TOML configuration file loading for the relay.
// The configuration file lives at ~/.deskrelay/relay.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the relay configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files.
type Config struct {
	// Addr is the host:port for the relay's HTTP and WebSocket listener.
	// Default: 127.0.0.1:2665
	Addr string `toml:"addr"`

	// TLSCert and TLSKey enable HTTPS/WSS when both are set.
	TLSCert string `toml:"tls_cert"`
	TLSKey  string `toml:"tls_key"`

	// TLS serves HTTPS/WSS with a self-signed pair under ~/.deskrelay/certs
	// when TLSCert and TLSKey are unset. The pair is generated on first use.
	TLS bool `toml:"tls"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level"`

	// LogFile redirects log output. Empty means stderr.
	LogFile string `toml:"log_file"`

	// MetricsStore is the path to the SQLite database holding relay counters.
	// Empty disables persistence.
	MetricsStore string `toml:"metrics_store"`

	// MdnsEnabled advertises the relay as _deskrelay._tcp on the local network.
	// Default: false
	MdnsEnabled bool `toml:"mdns_enabled"`

	// QR prints the client endpoint as a terminal QR code at startup.
	QR bool `toml:"qr"`

	// KeepAwake holds an OS sleep inhibitor while any peer is connected.
	// Supported on macOS (caffeinate) and Linux (systemd-inhibit).
	KeepAwake bool `toml:"keep_awake"`

	// MaxMessageBytes caps an inbound frame or screenshot upload.
	// Zero uses the server default.
	MaxMessageBytes int64 `toml:"max_message_bytes"`

	// HelloTimeoutMs is how long a connection without a query identity
	// may wait before sending ClientHello. Zero uses the server default.
	HelloTimeoutMs int `toml:"hello_timeout_ms"`
}

// HelloTimeout returns HelloTimeoutMs as a duration.
func (c *Config) HelloTimeout() time.Duration {
	return time.Duration(c.HelloTimeoutMs) * time.Millisecond
}

// Validate rejects values that cannot be meaningfully applied.
// Zero values mean "use default" and are always valid.
func (c *Config) Validate() error {
	if c.MaxMessageBytes < 0 {
		return fmt.Errorf("max_message_bytes must be >= 0, got %d", c.MaxMessageBytes)
	}
	if c.HelloTimeoutMs < 0 {
		return fmt.Errorf("hello_timeout_ms must be >= 0, got %d", c.HelloTimeoutMs)
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error, got %q", c.LogLevel)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}
	return nil
}

// DefaultDir returns ~/.deskrelay.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".deskrelay"), nil
}

// DefaultConfigPath returns the default config file location: ~/.deskrelay/relay.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "relay.toml"), nil
}

// DefaultMetricsStorePath returns ~/.deskrelay/relay.db.
func DefaultMetricsStorePath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "relay.db"), nil
}

// WriteDefault creates a config file with LAN-ready defaults at the given path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# deskrelay relay configuration
# Created by 'deskrelay relay start --init'

# Listen on all interfaces so peers on the LAN can connect
addr = %q

# Let clients without a configured endpoint find the relay
mdns_enabled = true
`, DefaultLANAddr)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.deskrelay/relay.toml).
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed or fails Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}
