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
	Device         DeviceConfig `yaml:"device"`
	Serial         SerialConfig `yaml:"serial"`
	PropertiesPath string       `yaml:"properties_path"`
	Bus            BusConfig    `yaml:"bus"`
	LogLevel       string       `yaml:"log_level"`
}

// DeviceConfig identifies the instrument.
type DeviceConfig struct {
	Name string `yaml:"name"` // announced as <id:NAME> by the firmware
	Port string `yaml:"port"` // optional; overrides the stored port
}

// SerialConfig holds link timings.
type SerialConfig struct {
	SampleTimeout     time.Duration `yaml:"sample_timeout"`
	SettleDelay       time.Duration `yaml:"settle_delay"`
	VersionWait       time.Duration `yaml:"version_wait"`
	DiscoveryAttempts int           `yaml:"discovery_attempts"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	RetryDelay        time.Duration `yaml:"retry_delay"`

	// Reconnect reopens a lost port with exponential backoff.
	Reconnect     bool          `yaml:"reconnect"`
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"`
}

// BusConfig holds the optional NATS connection. An empty URL disables it.
type BusConfig struct {
	URL        string `yaml:"url"`
	Subject    string `yaml:"subject"`     // results are published to <subject>.result
	ClientName string `yaml:"client_name"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "beamscan")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Name: "beamscan",
		},
		Serial: SerialConfig{
			SampleTimeout:     5 * time.Second,
			SettleDelay:       1500 * time.Millisecond,
			VersionWait:       1500 * time.Millisecond,
			DiscoveryAttempts: 10,
			ProbeTimeout:      2 * time.Second,
			RetryDelay:        500 * time.Millisecond,
			Reconnect:         true,
			ReconnectBase:     time.Second,
			ReconnectMax:      30 * time.Second,
		},
		PropertiesPath: filepath.Join(DefaultConfigDir(), "properties.yaml"),
		Bus: BusConfig{
			Subject:    "beamscan",
			ClientName: "beamscan",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in properties_path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.PropertiesPath = expandTilde(cfg.PropertiesPath)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Device.Name) == "" {
		return fmt.Errorf("device.name must not be empty")
	}
	if strings.ContainsAny(c.Device.Name, "<>\r\n") {
		return fmt.Errorf("device.name must not contain frame delimiters, got %q", c.Device.Name)
	}

	if c.Serial.SampleTimeout <= 0 {
		return fmt.Errorf("serial.sample_timeout must be > 0")
	}
	if c.Serial.SettleDelay < 0 || c.Serial.VersionWait < 0 || c.Serial.RetryDelay < 0 {
		return fmt.Errorf("serial delays must not be negative")
	}
	if c.Serial.DiscoveryAttempts <= 0 {
		return fmt.Errorf("serial.discovery_attempts must be > 0")
	}
	if c.Serial.ProbeTimeout <= 0 {
		return fmt.Errorf("serial.probe_timeout must be > 0")
	}

	if c.Serial.Reconnect {
		if c.Serial.ReconnectBase <= 0 {
			return fmt.Errorf("serial.reconnect_base must be > 0")
		}
		if c.Serial.ReconnectMax < c.Serial.ReconnectBase {
			return fmt.Errorf("serial.reconnect_max must be >= serial.reconnect_base")
		}
	}

	if c.PropertiesPath == "" {
		return fmt.Errorf("properties_path must not be empty")
	}

	if c.Bus.URL != "" && c.Bus.Subject == "" {
		return fmt.Errorf("bus.subject must not be empty when bus.url is set")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// WriteDefault writes the default config to DefaultConfigPath and returns
// the path written. An existing file is left alone and ("", nil) returned.
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

	header := "# beamscan configuration\n# Durations use Go syntax: 500ms, 1.5s, 2m.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a config log level to a slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
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
