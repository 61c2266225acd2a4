package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverallStatus(t *testing.T) {
	c := NewChecker()
	c.Register("store", true, StoreCheck(func(context.Context) error { return nil }))
	c.Register("sink", false, SinkCheck(func() (uint64, uint64) { return 10, 6 }, 0.5))

	assert.Equal(t, StatusUnknown, c.Overall(), "critical check not yet run")

	res := c.Run(context.Background())
	assert.Equal(t, StatusHealthy, res["store"].Status)
	assert.Equal(t, StatusDegraded, res["sink"].Status)
	assert.Equal(t, StatusDegraded, c.Overall())

	c.Register("store", true, StoreCheck(func(context.Context) error { return errors.New("locked") }))
	c.Run(context.Background())
	assert.Equal(t, StatusUnhealthy, c.Overall())
}

func TestRunRecoversPanicsAndTimeouts(t *testing.T) {
	c := NewChecker()
	c.Register("panics", false, func(context.Context) Result { panic("boom") })
	c.Register("slow", false, func(ctx context.Context) Result {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return Result{Status: StatusHealthy}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := c.Run(ctx)

	assert.Equal(t, StatusUnhealthy, res["panics"].Status)
	assert.Equal(t, "boom", res["panics"].Error)
	assert.Equal(t, StatusUnhealthy, res["slow"].Status)
	assert.Equal(t, "check timed out", res["slow"].Message)
	assert.Equal(t, StatusDegraded, c.Overall())
}

func TestReport(t *testing.T) {
	c := NewChecker()
	c.Register("sessions", false, SessionsCheck(func() int { return 4 }))
	c.SetReady(true)

	r := c.Report(context.Background())
	assert.True(t, r.Ready)
	assert.Equal(t, StatusHealthy, r.Status)
	assert.Equal(t, 4, r.Components["sessions"].Details["active"])
	assert.Equal(t, []string{"sessions"}, c.Names())
}

func TestSinkCheckWithoutReports(t *testing.T) {
	r := SinkCheck(func() (uint64, uint64) { return 0, 0 }, 0.1)(context.Background())
	assert.Equal(t, StatusHealthy, r.Status)
}

func TestFileCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	assert.Equal(t, StatusUnhealthy, FileCheck(path)(context.Background()).Status)

	require.NoError(t, os.WriteFile(path, nil, 0600))
	assert.Equal(t, StatusHealthy, FileCheck(path)(context.Background()).Status)
}
