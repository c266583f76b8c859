// Package config handles loading, validating, and writing the Custodia
// configuration from <state-dir>/config.yaml.
//
// The config defines:
//   - Audit trail thresholds (rate-limit window, max attempts, suspicious threshold)
//   - Session duration
//   - Key rotation and access log policy
//   - Monitor toggle and bind address
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Custodia configuration. Loaded from
// config.yaml, with defaults for fields that are not explicitly set.
type Config struct {
	Audit      AuditConfig      `yaml:"audit"`
	Session    SessionConfig    `yaml:"session"`
	Protection ProtectionConfig `yaml:"protection"`
	Monitor    MonitorConfig    `yaml:"monitor"`
}

// AuditConfig holds the audit trail thresholds.
type AuditConfig struct {
	WindowSeconds       int `yaml:"windowSeconds"`
	MaxPerWindow        int `yaml:"maxPerWindow"`
	SuspiciousThreshold int `yaml:"suspiciousThreshold"`
}

// SessionConfig controls session lifetime.
type SessionConfig struct {
	DurationMinutes int `yaml:"durationMinutes"`
}

// ProtectionConfig controls key rotation and the access log.
type ProtectionConfig struct {
	KeyRotationDays int `yaml:"keyRotationDays"`
	AccessLogLimit  int `yaml:"accessLogLimit"`
}

// MonitorConfig controls the local monitor endpoint.
// Default: disabled; when enabled it binds 127.0.0.1 only.
type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file, use defaults. Normal on first run.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `custodia config init`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# Custodia Configuration
#
# audit:
#   windowSeconds: Sliding rate-limit window in seconds (default: 60)
#   maxPerWindow: Attempts admitted per window, the next one is denied (default: 5)
#   suspiciousThreshold: Failed-attempt count that raises a signed alert (default: 3)
#
# session:
#   durationMinutes: Session lifetime (default: 30)
#
# protection:
#   keyRotationDays: Master key rotation interval (default: 30)
#   accessLogLimit: Rolling access log size (default: 100)
#
# monitor:
#   enabled: Serve the live monitor endpoint (default: false)
#   host: Bind address, loopback only (default: 127.0.0.1)
#   port: Listen port (default: 3900)

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their defaults.
func applyDefaults() *Config {
	return &Config{
		Audit: AuditConfig{
			WindowSeconds:       60,
			MaxPerWindow:        5,
			SuspiciousThreshold: 3,
		},
		Session: SessionConfig{
			DurationMinutes: 30,
		},
		Protection: ProtectionConfig{
			KeyRotationDays: 30,
			AccessLogLimit:  100,
		},
		Monitor: MonitorConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    3900,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Audit.WindowSeconds < 1 {
		return fmt.Errorf("audit.windowSeconds must be positive")
	}
	if cfg.Audit.MaxPerWindow < 1 {
		return fmt.Errorf("audit.maxPerWindow must be positive")
	}
	if cfg.Audit.SuspiciousThreshold < 1 {
		return fmt.Errorf("audit.suspiciousThreshold must be positive")
	}
	if cfg.Session.DurationMinutes < 1 {
		return fmt.Errorf("session.durationMinutes must be positive")
	}
	if cfg.Protection.KeyRotationDays < 1 {
		return fmt.Errorf("protection.keyRotationDays must be positive")
	}
	if cfg.Protection.AccessLogLimit < 1 {
		return fmt.Errorf("protection.accessLogLimit must be positive")
	}
	if cfg.Monitor.Host == "" {
		return fmt.Errorf("monitor.host must not be empty")
	}
	if cfg.Monitor.Port < 1 || cfg.Monitor.Port > 65535 {
		return fmt.Errorf("monitor.port %d out of range (1-65535)", cfg.Monitor.Port)
	}
	return nil
}
