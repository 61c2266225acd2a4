package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"ERROR", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expected, level)
			assert.Equal(t, strings.Replace(strings.ToLower(test.input), "warning", "warn", 1), LevelString(level))
		})
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	assert.Equal(t, "json", f.String())

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func newBufferLogger(t *testing.T, format Format) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = format
	cfg.Level = LevelDebug
	cfg.Writer = &buf
	l, err := New(cfg)
	require.NoError(t, err)
	return l, &buf
}

func TestJSONOutputCarriesComponentAndSession(t *testing.T) {
	l, buf := newBufferLogger(t, FormatJSON)

	l.WithSession("sess-9", "stu-1", "exam-42").Info("violation recorded", "kind", "TAB_SWITCH")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "violation recorded", entry["msg"])
	assert.Equal(t, "proctord", entry["component"])
	assert.Equal(t, "sess-9", entry["session"])
	assert.Equal(t, "stu-1", entry["user"])
	assert.Equal(t, "exam-42", entry["exam"])
	assert.Equal(t, "TAB_SWITCH", entry["kind"])
}

func TestSensitiveDataRedaction(t *testing.T) {
	l, buf := newBufferLogger(t, FormatJSON)

	l.Info("sink configured", "sink_token", "abc123", "authorization", "Bearer xyz", "url", "http://sink")

	out := buf.String()
	assert.NotContains(t, out, "abc123")
	assert.NotContains(t, out, "Bearer xyz")
	assert.Contains(t, out, "http://sink")
	assert.Contains(t, out, "[REDACTED]")
}

func TestWithComponentAndRequestID(t *testing.T) {
	l, buf := newBufferLogger(t, FormatText)

	ctx := ContextWithRequestID(context.Background(), "req-7")
	l.WithComponent("gateway").WithContext(ctx).Debug("upgrade")

	out := buf.String()
	assert.Contains(t, out, "component=gateway")
	assert.Contains(t, out, "request_id=req-7")

	assert.Equal(t, "", RequestIDFromContext(context.Background()))
	assert.NotEqual(t, l.NewRequestID(), l.NewRequestID())
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Level = LevelWarn
	cfg.Writer = &buf
	l, err := New(cfg)
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestFileOutputRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "proctord.log")

	r, err := NewFileRotator(path, 1, 2)
	require.NoError(t, err)
	defer r.Close()

	line := bytes.Repeat([]byte("x"), 400*1024)
	for i := 0; i < 8; i++ {
		_, err := r.Write(line)
		require.NoError(t, err)
	}
	require.NoError(t, r.Sync())

	backups, err := r.Backups()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(backups), 2)
	assert.NotEmpty(t, backups)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(1024*1024))
}

func TestFileLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = filepath.Join(t.TempDir(), "proctord.log")

	l, err := New(cfg)
	require.NoError(t, err)
	l.Info("hello")
	require.NoError(t, l.Sync())
	require.NoError(t, l.Close())

	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=hello")
}
