// Package config handles configuration loading, validation, and management for tallyd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Source configuration for the external usage state file.
	Source SourceConfig `toml:"source" json:"source" yaml:"source"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Scheduler configuration for the polling loop.
	Scheduler SchedulerConfig `toml:"scheduler" json:"scheduler" yaml:"scheduler"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration for the HTTP exposition endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// SourceConfig describes the externally-owned state file tallyd polls.
type SourceConfig struct {
	// Path is the state file location. The file is owned and mutated by
	// another program; tallyd only ever reads it.
	Path string `toml:"path" json:"path" yaml:"path"`

	// ValidateSchema enables JSON Schema validation of each read. A read
	// that fails validation is treated as malformed, not as absent.
	ValidateSchema bool `toml:"validate_schema" json:"validate_schema" yaml:"validate_schema"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the path to the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// SchedulerConfig holds polling-loop tuning.
type SchedulerConfig struct {
	// ActiveIntervalSec is the poll interval in seconds while any project
	// has an active session.
	ActiveIntervalSec int `toml:"active_interval_sec" json:"active_interval_sec" yaml:"active_interval_sec"`

	// IdleIntervalSec is the poll interval in seconds while no project is
	// active.
	IdleIntervalSec int `toml:"idle_interval_sec" json:"idle_interval_sec" yaml:"idle_interval_sec"`

	// MaxConsecutiveFailures is the circuit-breaker ceiling. The daemon
	// exits when this many cycles fail in a row.
	MaxConsecutiveFailures int `toml:"max_consecutive_failures" json:"max_consecutive_failures" yaml:"max_consecutive_failures"`
}

// ActiveInterval returns the active poll interval as a duration.
func (s SchedulerConfig) ActiveInterval() time.Duration {
	return time.Duration(s.ActiveIntervalSec) * time.Second
}

// IdleInterval returns the idle poll interval as a duration.
func (s SchedulerConfig) IdleInterval() time.Duration {
	return time.Duration(s.IdleIntervalSec) * time.Second
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", or "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log output format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log destination: "stdout", "stderr", or "file".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file path when Output is "file".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to retain.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of rotated files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	// Enabled turns the HTTP metrics/health listener on.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// ListenAddr is the address the listener binds to.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := TallydDir()

	return &Config{
		Version: Version,
		Source: SourceConfig{
			Path:           defaultStatePath(),
			ValidateSchema: true,
		},
		Storage: StorageConfig{
			Path:          filepath.Join(dir, "tallyd.db"),
			BusyTimeoutMs: 5000,
		},
		Scheduler: SchedulerConfig{
			ActiveIntervalSec:      15,
			IdleIntervalSec:        60,
			MaxConsecutiveFailures: 5,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "tallyd.log"),
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:9464",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(platformConfigDir(), "config.toml")
}

// ApplyEnvOverrides applies TALLYD_* environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("TALLYD_STATE_PATH"); v != "" {
		c.Source.Path = v
	}
	if v := os.Getenv("TALLYD_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("TALLYD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TALLYD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("TALLYD_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
	}
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
	}
	if c.Logging.Output == "file" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// SaveConfig writes the configuration to the given path as TOML.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}
