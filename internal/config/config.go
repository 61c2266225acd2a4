// Package config handles configuration loading, validation, and management for proctord.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"proctord/internal/logging"
	"proctord/internal/proctor"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Server configuration for the HTTP API and WebSocket gateway.
	Server ServerConfig `toml:"server" json:"server" yaml:"server"`

	// Storage configuration for the violation log.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Detector holds the defaults every new exam session starts with.
	Detector DetectorConfig `toml:"detector" json:"detector" yaml:"detector"`

	// Sink configuration for violation reporting.
	Sink SinkConfig `toml:"sink" json:"sink" yaml:"sink"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	// Listen is the host:port the daemon binds to.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`

	// AllowedOrigins restricts which page origins may open the exam socket.
	// Empty allows any origin.
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins"`

	// PingIntervalSec is how often idle sockets are pinged.
	PingIntervalSec int `toml:"ping_interval_sec" json:"ping_interval_sec" yaml:"ping_interval_sec"`

	// MaxMessageBytes caps one inbound socket message.
	MaxMessageBytes int64 `toml:"max_message_bytes" json:"max_message_bytes" yaml:"max_message_bytes"`

	// MaxConnections and MaxConnectionsPerIP cap concurrent exam sockets.
	// Zero is unlimited.
	MaxConnections      int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`
	MaxConnectionsPerIP int `toml:"max_connections_per_ip" json:"max_connections_per_ip" yaml:"max_connections_per_ip"`

	// MessageRate is the sustained inbound messages per second per socket,
	// with bursts up to MessageBurst. Zero is unlimited.
	MessageRate  float64 `toml:"message_rate" json:"message_rate" yaml:"message_rate"`
	MessageBurst int     `toml:"message_burst" json:"message_burst" yaml:"message_burst"`

	// AdminToken guards the host operations. Empty disables the check.
	AdminToken string `toml:"admin_token" json:"admin_token" yaml:"admin_token"`

	// ShutdownTimeoutSec bounds graceful shutdown.
	ShutdownTimeoutSec int `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the SQLite database file. Empty keeps no violation log.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// DetectorConfig mirrors proctor.Activation with file-friendly units.
type DetectorConfig struct {
	MaxViolations            int  `toml:"max_violations" json:"max_violations" yaml:"max_violations"`
	ShowWarnings             bool `toml:"show_warnings" json:"show_warnings" yaml:"show_warnings"`
	DedupeWindowMs           int  `toml:"dedupe_window_ms" json:"dedupe_window_ms" yaml:"dedupe_window_ms"`
	ArmingDelayMs            int  `toml:"arming_delay_ms" json:"arming_delay_ms" yaml:"arming_delay_ms"`
	ProbeIntervalMs          int  `toml:"probe_interval_ms" json:"probe_interval_ms" yaml:"probe_interval_ms"`
	GeometryThresholdPx      int  `toml:"geometry_threshold_px" json:"geometry_threshold_px" yaml:"geometry_threshold_px"`
	ConsoleTimingThresholdMs int  `toml:"console_timing_threshold_ms" json:"console_timing_threshold_ms" yaml:"console_timing_threshold_ms"`
	WarningDurationMs        int  `toml:"warning_duration_ms" json:"warning_duration_ms" yaml:"warning_duration_ms"`

	// ClientMayHideWarnings lets the exam page turn warnings off at session start.
	ClientMayHideWarnings bool `toml:"client_may_hide_warnings" json:"client_may_hide_warnings" yaml:"client_may_hide_warnings"`
}

// SinkConfig selects where accepted violations are reported.
type SinkConfig struct {
	// URL is the base URL of a remote log-violation endpoint.
	URL string `toml:"url" json:"url" yaml:"url"`

	// Token is sent as a bearer token to URL.
	Token string `toml:"token" json:"token" yaml:"token"`

	// TimeoutMs bounds one HTTP attempt.
	TimeoutMs int `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`

	// MaxRetries is the number of extra HTTP attempts after a failure.
	MaxRetries int `toml:"max_retries" json:"max_retries" yaml:"max_retries"`

	// RetryBackoffMs is the initial delay between attempts, doubled each time.
	RetryBackoffMs int `toml:"retry_backoff_ms" json:"retry_backoff_ms" yaml:"retry_backoff_ms"`

	// Store writes reports into the local violation log.
	Store bool `toml:"store" json:"store" yaml:"store"`

	// AuditPath is an append-only JSON-lines file with a keyed hash chain.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`

	// AuditSecret keys the audit chain.
	AuditSecret string `toml:"audit_secret" json:"audit_secret" yaml:"audit_secret"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int64  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	AddSource  bool   `toml:"add_source" json:"add_source" yaml:"add_source"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dir := ProctordDir()
	return &Config{
		Version: Version,
		Server: ServerConfig{
			Listen:             "127.0.0.1:8470",
			PingIntervalSec:    20,
			MaxMessageBytes:    64 * 1024,
			MessageRate:        50,
			MessageBurst:       100,
			ShutdownTimeoutSec: 10,
		},
		Storage: StorageConfig{
			Path:          filepath.Join(dir, "violations.db"),
			BusyTimeoutMs: 5000,
		},
		Detector: DetectorConfig{
			MaxViolations:            proctor.DefaultMaxViolations,
			ShowWarnings:             true,
			DedupeWindowMs:           int(proctor.DefaultDedupeWindow / time.Millisecond),
			ArmingDelayMs:            int(proctor.DefaultArmingDelay / time.Millisecond),
			ProbeIntervalMs:          int(proctor.DefaultProbeInterval / time.Millisecond),
			GeometryThresholdPx:      proctor.DefaultGeometryThresholdPx,
			ConsoleTimingThresholdMs: int(proctor.DefaultConsoleTimingThreshold / time.Millisecond),
			WarningDurationMs:        int(proctor.DefaultWarningDuration / time.Millisecond),
		},
		Sink: SinkConfig{
			TimeoutMs:      5000,
			MaxRetries:     2,
			RetryBackoffMs: 250,
			Store:          true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "proctord.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
		},
	}
}

// ProctordDir returns the data directory. PROCTORD_DATA_DIR overrides it.
func ProctordDir() string {
	if envDir := os.Getenv("PROCTORD_DATA_DIR"); envDir != "" {
		return envDir
	}
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "proctord")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".proctord"
	}
	return filepath.Join(homeDir, ".proctord")
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(ProctordDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
// Environment overrides are applied and the result is validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// loadConfigFromFile reads and parses a config file based on its extension.
func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	}
	return cfg, nil
}

// Marshal encodes cfg as "toml", "json" or "yaml".
func Marshal(cfg *Config, format string) ([]byte, error) {
	switch format {
	case "json":
		return json.MarshalIndent(cfg, "", "  ")
	case "yaml", "yml":
		return yaml.Marshal(cfg)
	case "toml", "":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown config format: %s", format)
	}
}

// Save writes cfg to path in the format its extension names. Unknown
// extensions get TOML.
func Save(cfg *Config, path string) error {
	format := strings.TrimPrefix(filepath.Ext(path), ".")
	if format != "json" && format != "yaml" && format != "yml" {
		format = "toml"
	}
	data, err := Marshal(cfg, format)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with PROCTORD_.
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv("PROCTORD_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("PROCTORD_ADMIN_TOKEN"); v != "" {
		c.Server.AdminToken = v
	}
	if v := os.Getenv("PROCTORD_DB"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("PROCTORD_SINK_URL"); v != "" {
		c.Sink.URL = v
	}
	if v := os.Getenv("PROCTORD_SINK_TOKEN"); v != "" {
		c.Sink.Token = v
	}
	if v := os.Getenv("PROCTORD_AUDIT_SECRET"); v != "" {
		c.Sink.AuditSecret = v
	}
	if v := os.Getenv("PROCTORD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PROCTORD_MAX_VIOLATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PROCTORD_MAX_VIOLATIONS: %w", err)
		}
		c.Detector.MaxViolations = n
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	return &clone
}

// Activation returns the detector contract for a new exam session.
func (c *Config) Activation(userID, examID string) proctor.Activation {
	d := c.Detector
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }

	return proctor.Activation{
		UserID:                 userID,
		ExamID:                 examID,
		MaxViolations:          d.MaxViolations,
		IsActive:               true,
		ShowWarnings:           d.ShowWarnings,
		DedupeWindow:           ms(d.DedupeWindowMs),
		ArmingDelay:            ms(d.ArmingDelayMs),
		ProbeInterval:          ms(d.ProbeIntervalMs),
		GeometryThresholdPx:    d.GeometryThresholdPx,
		ConsoleTimingThreshold: ms(d.ConsoleTimingThresholdMs),
		WarningDuration:        ms(d.WarningDurationMs),
	}
}

// LoggingConfig converts the logging section for logging.New.
func (c *Config) LoggingConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}

	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = c.Logging.Output
	lc.FilePath = c.Logging.FilePath
	lc.MaxSizeMB = c.Logging.MaxSizeMB
	lc.MaxBackups = c.Logging.MaxBackups
	lc.AddSource = c.Logging.AddSource
	return lc, nil
}

// PingInterval returns the socket ping interval.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.Server.PingIntervalSec) * time.Second
}

// ShutdownTimeout returns the graceful shutdown bound.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSec) * time.Second
}
