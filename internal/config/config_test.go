package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/logging"
	"proctord/internal/proctor"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, Version, cfg.Version)
	assert.Equal(t, 3, cfg.Detector.MaxViolations)
	assert.Equal(t, 1000, cfg.Detector.DedupeWindowMs)
	assert.Equal(t, 2000, cfg.Detector.ArmingDelayMs)
	assert.Equal(t, 160, cfg.Detector.GeometryThresholdPx)
	assert.True(t, cfg.Sink.Store)
}

func TestDefaultActivationMatchesDetectorDefaults(t *testing.T) {
	got := DefaultConfig().Activation("stu-1", "exam-42")
	assert.Equal(t, proctor.DefaultActivation("stu-1", "exam-42"), got)
	require.NoError(t, got.Validate())
}

func TestProctordDirOverride(t *testing.T) {
	t.Setenv("PROCTORD_DATA_DIR", "/srv/proctord")
	assert.Equal(t, "/srv/proctord", ProctordDir())
	assert.Equal(t, "/srv/proctord/config.toml", ConfigPath())
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Detector, cfg.Detector)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"toml", "config.toml", `
version = 1
[server]
listen = "0.0.0.0:9000"
[detector]
max_violations = 5
arming_delay_ms = 0
`},
		{"json", "config.json", `{
  "version": 1,
  "server": {"listen": "0.0.0.0:9000"},
  "detector": {"max_violations": 5, "arming_delay_ms": 0}
}`},
		{"yaml", "config.yaml", `
version: 1
server:
  listen: "0.0.0.0:9000"
detector:
  max_violations: 5
  arming_delay_ms: 0
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, tt.file, tt.content))
			require.NoError(t, err)

			assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
			assert.Equal(t, 5, cfg.Detector.MaxViolations)
			assert.Equal(t, 0, cfg.Detector.ArmingDelayMs)
			assert.Equal(t, 1000, cfg.Detector.DedupeWindowMs, "unset fields keep defaults")

			act := cfg.Activation("u", "e")
			assert.Equal(t, time.Duration(0), act.ArmingDelay)
			assert.Equal(t, 5, act.MaxViolations)
		})
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	_, err := Load(writeFile(t, "config.toml", "[server\nlisten = "))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode TOML")
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Detector.MaxViolations = 0
	cfg.Detector.ProbeIntervalMs = 0
	cfg.Server.Listen = "nope"
	cfg.Sink.URL = "ftp://logs"
	cfg.Sink.AuditPath = "/tmp/audit.jsonl"
	cfg.Logging.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.ElementsMatch(t, []string{
		"detector.max_violations",
		"detector.probe_interval_ms",
		"server.listen",
		"sink.url",
		"sink.audit_secret",
		"logging.level",
	}, verrs.Fields())
}

func TestValidateStoreNeedsPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Path = ""
	assert.Error(t, cfg.Validate())

	cfg.Sink.Store = false
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("PROCTORD_LISTEN", "0.0.0.0:1234")
	t.Setenv("PROCTORD_DB", "/var/lib/proctord/v.db")
	t.Setenv("PROCTORD_SINK_URL", "https://lms.example.edu")
	t.Setenv("PROCTORD_SINK_TOKEN", "s3cret")
	t.Setenv("PROCTORD_LOG_LEVEL", "debug")
	t.Setenv("PROCTORD_MAX_VIOLATIONS", "7")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnvOverrides())

	assert.Equal(t, "0.0.0.0:1234", cfg.Server.Listen)
	assert.Equal(t, "/var/lib/proctord/v.db", cfg.Storage.Path)
	assert.Equal(t, "https://lms.example.edu", cfg.Sink.URL)
	assert.Equal(t, "s3cret", cfg.Sink.Token)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 7, cfg.Detector.MaxViolations)

	t.Setenv("PROCTORD_MAX_VIOLATIONS", "many")
	assert.Error(t, DefaultConfig().ApplyEnvOverrides())
}

func TestSaveRoundTrip(t *testing.T) {
	for _, ext := range []string{".toml", ".json", ".yaml"} {
		t.Run(ext, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Detector.MaxViolations = 4
			cfg.Server.AllowedOrigins = []string{"https://exam.example.edu"}

			path := filepath.Join(t.TempDir(), "nested", "config"+ext)
			require.NoError(t, Save(cfg, path))

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, 4, loaded.Detector.MaxViolations)
			assert.Equal(t, cfg.Server.AllowedOrigins, loaded.Server.AllowedOrigins)
		})
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.AllowedOrigins = []string{"https://a.example"}

	clone := cfg.Clone()
	clone.Server.AllowedOrigins[0] = "https://b.example"
	clone.Detector.MaxViolations = 9

	assert.Equal(t, "https://a.example", cfg.Server.AllowedOrigins[0])
	assert.Equal(t, 3, cfg.Detector.MaxViolations)
}

func TestLoggingConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "warn"
	cfg.Logging.Format = "json"

	lc, err := cfg.LoggingConfig()
	require.NoError(t, err)
	assert.Equal(t, logging.LevelWarn, lc.Level)
	assert.Equal(t, logging.FormatJSON, lc.Format)
}

func TestLoaderReloadsOnChange(t *testing.T) {
	path := writeFile(t, "config.toml", "version = 1\n[detector]\nmax_violations = 3\n")

	l := NewLoader(path)
	defer l.Close()

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Detector.MaxViolations)

	changed := make(chan [2]int, 1)
	l.OnChange(func(old, new *Config) {
		select {
		case changed <- [2]int{old.Detector.MaxViolations, new.Detector.MaxViolations}:
		default:
		}
	})
	require.NoError(t, l.Watch())

	require.NoError(t, os.WriteFile(path, []byte("version = 1\n[detector]\nmax_violations = 5\n"), 0600))

	select {
	case got := <-changed:
		assert.Equal(t, [2]int{3, 5}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after file change")
	}
	assert.Equal(t, 5, l.Config().Detector.MaxViolations)
}

func TestLoaderKeepsConfigOnInvalidReload(t *testing.T) {
	path := writeFile(t, "config.toml", "version = 1\n")

	l := NewLoader(path)
	defer l.Close()
	_, err := l.Load()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("version = 1\n[detector]\nmax_violations = 0\n"), 0600))
	err = l.Reload()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Equal(t, 3, l.Config().Detector.MaxViolations)
}

func TestMarshalFormats(t *testing.T) {
	cfg := DefaultConfig()
	for _, format := range []string{"toml", "json", "yaml"} {
		data, err := Marshal(cfg, format)
		require.NoError(t, err, format)
		assert.Contains(t, string(data), "max_violations", format)
	}

	_, err := Marshal(cfg, "ini")
	assert.Error(t, err)
}
