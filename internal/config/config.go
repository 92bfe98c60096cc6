package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Transport TransportConfig `yaml:"transport"`
	Scan      ScanConfig      `yaml:"scan"`
	Hotkey    HotkeyConfig    `yaml:"hotkey"`
}

// TransportConfig selects the BLE backend and its timings.
type TransportConfig struct {
	Backend          string        `yaml:"backend"` // "tinygo" or "hci"
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
	NotifySettle     time.Duration `yaml:"notify_settle"`
	ReconnectMax     int           `yaml:"reconnect_max"` // max reconnect backoff in seconds
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Address string        `yaml:"address"` // optional: only connect to this address
}

// HotkeyConfig holds hotkey-related settings.
type HotkeyConfig struct {
	Keys []string `yaml:"keys"`
	Mode string   `yaml:"mode"` // "toggle" or "hold"
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "ledremote")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Transport: TransportConfig{
			Backend:          "tinygo",
			ConnectTimeout:   10 * time.Second,
			DiscoveryTimeout: 10 * time.Second,
			NotifySettle:     10 * time.Millisecond,
			ReconnectMax:     30,
		},
		Scan: ScanConfig{
			Timeout: 10 * time.Second,
		},
		Hotkey: HotkeyConfig{
			Keys: []string{"ctrl", "shift", "l"},
			Mode: "toggle",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A path starting with ~ is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Scan.Address = strings.TrimSpace(cfg.Scan.Address)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Transport.Backend {
	case "tinygo", "hci":
	default:
		return fmt.Errorf("transport.backend must be \"tinygo\" or \"hci\", got %q", c.Transport.Backend)
	}

	if c.Transport.ConnectTimeout <= 0 {
		return fmt.Errorf("transport.connect_timeout must be > 0")
	}

	if c.Transport.DiscoveryTimeout <= 0 {
		return fmt.Errorf("transport.discovery_timeout must be > 0")
	}

	if c.Transport.NotifySettle <= 0 {
		return fmt.Errorf("transport.notify_settle must be > 0")
	}

	if c.Transport.ReconnectMax <= 0 {
		return fmt.Errorf("transport.reconnect_max must be > 0")
	}

	if c.Scan.Timeout <= 0 {
		return fmt.Errorf("scan.timeout must be > 0")
	}

	if len(c.Hotkey.Keys) == 0 {
		return fmt.Errorf("hotkey.keys must not be empty")
	}

	switch c.Hotkey.Mode {
	case "hold", "toggle":
	default:
		return fmt.Errorf("hotkey.mode must be \"hold\" or \"toggle\", got %q", c.Hotkey.Mode)
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

// ParseLogLevel maps a log_level value onto a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log_level must be debug, info, warn, or error, got %q", s)
	}
}

const defaultHeader = `# ledremote configuration
# Durations use Go syntax (10s, 250ms). Delete a line to fall back to its default.
`

// WriteDefault writes the default configuration to DefaultConfigPath. It
// never overwrites: if the file exists it returns ("", nil).
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
