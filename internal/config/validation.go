package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateSource(&c.Source)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateScheduler(&c.Scheduler)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateSource(s *SourceConfig) ValidationErrors {
	var errs ValidationErrors
	if s.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "source.path",
			Message: "state file path is required",
		})
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors
	if s.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.path",
			Message: "database path is required",
		})
	}
	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "must not be negative",
		})
	}
	return errs
}

func validateScheduler(s *SchedulerConfig) ValidationErrors {
	var errs ValidationErrors
	if s.ActiveIntervalSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "scheduler.active_interval_sec",
			Message: "must be at least 1",
		})
	}
	if s.IdleIntervalSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "scheduler.idle_interval_sec",
			Message: "must be at least 1",
		})
	}
	if s.IdleIntervalSec < s.ActiveIntervalSec {
		errs = append(errs, ValidationError{
			Field:   "scheduler.idle_interval_sec",
			Message: "must not be shorter than active_interval_sec",
		})
	}
	if s.MaxConsecutiveFailures < 1 {
		errs = append(errs, ValidationError{
			Field:   "scheduler.max_consecutive_failures",
			Message: "must be at least 1",
		})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid level %q (debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid format %q (text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "required when output is file",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid output %q (stdout, stderr, file)", l.Output),
		})
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	var errs ValidationErrors
	if m.Enabled && m.ListenAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "metrics.listen_addr",
			Message: "required when metrics are enabled",
		})
	}
	return errs
}
