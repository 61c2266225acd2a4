package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"proctord/internal/logging"
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

// Is lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields returns the names of the failing fields.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e))
	for _, err := range e {
		fields = append(fields, err.Field)
	}
	return fields
}

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateServer(&c.Server)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateDetector(&c.Detector)...)
	errs = append(errs, validateSink(&c.Sink, &c.Storage)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateServer(s *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Listen == "" {
		errs = append(errs, *RequiredFieldError("server.listen"))
	} else if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		errs = append(errs, ValidationError{Field: "server.listen", Message: "must be host:port"})
	}
	if s.PingIntervalSec < 1 || s.PingIntervalSec > 300 {
		errs = append(errs, *RangeError("server.ping_interval_sec", 1, 300))
	}
	if s.MaxMessageBytes < 1024 {
		errs = append(errs, ValidationError{Field: "server.max_message_bytes", Message: "must be at least 1024"})
	}
	if s.ShutdownTimeoutSec < 0 {
		errs = append(errs, ValidationError{Field: "server.shutdown_timeout_sec", Message: "must not be negative"})
	}
	if s.MaxConnections < 0 {
		errs = append(errs, ValidationError{Field: "server.max_connections", Message: "must not be negative"})
	}
	if s.MaxConnectionsPerIP < 0 {
		errs = append(errs, ValidationError{Field: "server.max_connections_per_ip", Message: "must not be negative"})
	}
	if s.MessageRate < 0 {
		errs = append(errs, ValidationError{Field: "server.message_rate", Message: "must not be negative"})
	}
	if s.MessageBurst < 0 {
		errs = append(errs, ValidationError{Field: "server.message_burst", Message: "must not be negative"})
	}
	for i, origin := range s.AllowedOrigins {
		if origin != "*" && !isValidURL(origin) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("server.allowed_origins[%d]", i),
				Message: "must be an http or https origin",
			})
		}
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors
	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{Field: "storage.busy_timeout_ms", Message: "must not be negative"})
	}
	return errs
}

func validateDetector(d *DetectorConfig) ValidationErrors {
	var errs ValidationErrors

	if d.MaxViolations <= 0 {
		errs = append(errs, ValidationError{
			Field:   "detector.max_violations",
			Message: "must be greater than zero",
		})
	}
	nonNegative := map[string]int{
		"detector.dedupe_window_ms":      d.DedupeWindowMs,
		"detector.arming_delay_ms":       d.ArmingDelayMs,
		"detector.geometry_threshold_px": d.GeometryThresholdPx,
	}
	for field, v := range nonNegative {
		if v < 0 {
			errs = append(errs, ValidationError{Field: field, Message: "must not be negative"})
		}
	}
	positive := map[string]int{
		"detector.probe_interval_ms":           d.ProbeIntervalMs,
		"detector.console_timing_threshold_ms": d.ConsoleTimingThresholdMs,
		"detector.warning_duration_ms":         d.WarningDurationMs,
	}
	for field, v := range positive {
		if v <= 0 {
			errs = append(errs, ValidationError{Field: field, Message: "must be greater than zero"})
		}
	}
	return errs
}

func validateSink(s *SinkConfig, storage *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.URL != "" && !isValidURL(s.URL) {
		errs = append(errs, ValidationError{Field: "sink.url", Message: "must be an http or https URL"})
	}
	if s.TimeoutMs <= 0 {
		errs = append(errs, ValidationError{Field: "sink.timeout_ms", Message: "must be greater than zero"})
	}
	if s.MaxRetries < 0 || s.MaxRetries > 10 {
		errs = append(errs, *RangeError("sink.max_retries", 0, 10))
	}
	if s.RetryBackoffMs < 0 {
		errs = append(errs, ValidationError{Field: "sink.retry_backoff_ms", Message: "must not be negative"})
	}
	if s.Store && storage.Path == "" {
		errs = append(errs, ValidationError{Field: "sink.store", Message: "requires storage.path"})
	}
	if s.AuditPath != "" && s.AuditSecret == "" {
		errs = append(errs, ValidationError{Field: "sink.audit_secret", Message: "required when sink.audit_path is set"})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs = append(errs, ValidationError{Field: "logging.level", Message: err.Error()})
	}
	if _, err := logging.ParseFormat(l.Format); err != nil {
		errs = append(errs, ValidationError{Field: "logging.format", Message: err.Error()})
	}
	switch strings.ToLower(l.Output) {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, *RequiredFieldError("logging.file_path"))
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("unknown output %q (stdout, stderr, file, both)", l.Output),
		})
	}
	return errs
}

func isValidURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
