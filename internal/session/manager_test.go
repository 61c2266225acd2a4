package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/config"
	"proctord/internal/metrics"
	"proctord/internal/proctor"
	"proctord/internal/store"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	m     *Manager
	clock *clockwork.FakeClock
	db    *store.Store
	pm    *metrics.ProctorMetrics

	mu      sync.Mutex
	reports []proctor.Report
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Detector.ArmingDelayMs = 0
	cfg.Detector.ShowWarnings = false
	cfg.Detector.ProbeIntervalMs = int(time.Hour / time.Millisecond)
	if mutate != nil {
		mutate(cfg)
	}

	db, err := store.Open(filepath.Join(t.TempDir(), "v.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		clock: clockwork.NewFakeClockAt(epoch),
		db:    db,
		pm:    metrics.NewProctorMetrics(metrics.NewRegistry("test")),
	}
	sink := proctor.SinkFunc(func(_ context.Context, r proctor.Report) error {
		h.mu.Lock()
		h.reports = append(h.reports, r)
		h.mu.Unlock()
		return nil
	})

	ids := 0
	h.m = NewManager(cfg,
		WithClock(h.clock),
		WithStore(db),
		WithSink(sink),
		WithMetrics(h.pm),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	h.m.newID = func() string {
		ids++
		return fmt.Sprintf("s%d", ids)
	}
	return h
}

func (h *harness) open(t *testing.T, user string) *Session {
	t.Helper()
	s, err := h.m.Open(OpenRequest{UserID: user, ExamID: "exam-1", Remote: "10.0.0.1"})
	require.NoError(t, err)
	return s
}

func (h *harness) violate(s *Session, n int) {
	for i := 0; i < n; i++ {
		s.Detector().Record(proctor.KindTabSwitch, nil)
		h.clock.Advance(2 * time.Second)
	}
}

func TestOpenGetList(t *testing.T) {
	h := newHarness(t, nil)

	a := h.open(t, "alice")
	h.clock.Advance(time.Second)
	b := h.open(t, "bob")

	assert.Equal(t, "s1", a.ID)
	assert.Equal(t, 2, h.m.Len())
	assert.Equal(t, int64(2), h.pm.ActiveSessions.Value())

	got, err := h.m.Get("s2")
	require.NoError(t, err)
	assert.Same(t, b, got)

	_, err = h.m.Get("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	list := h.m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alice", list[0].UserID)
	assert.Equal(t, "armed", list[0].Phase)
	assert.True(t, list[0].Snapshot.IsActive)
	assert.Equal(t, "10.0.0.1", list[0].Remote)

	assert.Len(t, h.m.ListExam("exam-1"), 2)
	assert.Empty(t, h.m.ListExam("exam-2"))
}

func TestOpenRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.m.Open(OpenRequest{UserID: "alice"})
	assert.ErrorIs(t, err, proctor.ErrInvalidConfig)
	assert.Equal(t, 0, h.m.Len())
}

func TestThresholdBlockIsStored(t *testing.T) {
	h := newHarness(t, nil)
	s := h.open(t, "alice")

	h.violate(s, 3)

	info, err := h.m.Get(s.ID)
	require.NoError(t, err)
	assert.True(t, info.Info().Snapshot.IsBlocked)
	assert.Equal(t, "blocked", info.Info().Phase)

	blocks, err := h.db.ListBlocks(context.Background(), "exam-1")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, 3, blocks[0].Count)
	assert.False(t, blocks[0].Forced)
	assert.Equal(t, "alice", blocks[0].UserID)
	assert.Equal(t, s.ID, blocks[0].SessionID)
}

func TestResetAndForceBlock(t *testing.T) {
	h := newHarness(t, nil)
	s := h.open(t, "alice")
	h.violate(s, 2)

	info, err := h.m.ForceBlock(s.ID)
	require.NoError(t, err)
	assert.True(t, info.Snapshot.IsBlocked)
	assert.Equal(t, 2, info.Snapshot.Violations)

	info, err = h.m.Reset(s.ID)
	require.NoError(t, err)
	assert.False(t, info.Snapshot.IsBlocked)
	assert.Equal(t, 0, info.Snapshot.Violations)

	blocks, err := h.db.ListBlocks(context.Background(), "exam-1")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.True(t, blocks[0].Forced)

	_, err = h.m.Reset("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = h.m.ForceBlock("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCloseStopsDetector(t *testing.T) {
	h := newHarness(t, nil)
	s := h.open(t, "alice")

	require.NoError(t, h.m.Close(s.ID))
	assert.Equal(t, 0, h.m.Len())
	assert.Equal(t, int64(0), h.pm.ActiveSessions.Value())
	assert.False(t, s.Detector().Record(proctor.KindTabSwitch, nil))

	assert.ErrorIs(t, h.m.Close(s.ID), ErrSessionNotFound)
}

func TestCloseAllWaitsForReports(t *testing.T) {
	h := newHarness(t, nil)
	a := h.open(t, "alice")
	b := h.open(t, "bob")
	h.violate(a, 1)
	h.violate(b, 2)

	require.NoError(t, h.m.CloseAll(context.Background()))
	assert.Equal(t, 0, h.m.Len())

	h.mu.Lock()
	assert.Len(t, h.reports, 3)
	h.mu.Unlock()

	_, err := h.m.Open(OpenRequest{UserID: "carol", ExamID: "exam-1"})
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestShowWarningsOverride(t *testing.T) {
	off, on := false, true

	h := newHarness(t, func(c *config.Config) { c.Detector.ShowWarnings = true })
	assert.True(t, h.m.Activation("u", "e", &off).ShowWarnings, "client may not hide warnings by default")

	h = newHarness(t, func(c *config.Config) {
		c.Detector.ShowWarnings = true
		c.Detector.ClientMayHideWarnings = true
	})
	assert.False(t, h.m.Activation("u", "e", &off).ShowWarnings)

	h = newHarness(t, nil)
	assert.True(t, h.m.Activation("u", "e", &on).ShowWarnings)
	assert.False(t, h.m.Activation("u", "e", nil).ShowWarnings)
}

func TestUpdateConfigAppliesToNewSessions(t *testing.T) {
	h := newHarness(t, nil)
	first := h.open(t, "alice")

	next := config.DefaultConfig()
	next.Detector.ArmingDelayMs = 0
	next.Detector.MaxViolations = 5
	h.m.UpdateConfig(nil, next)

	second := h.open(t, "bob")
	assert.Equal(t, 3, first.Detector().Activation().MaxViolations)
	assert.Equal(t, 5, second.Detector().Activation().MaxViolations)
}

func TestListenersReceiveEvents(t *testing.T) {
	h := newHarness(t, nil)

	var got []proctor.Kind
	s, err := h.m.Open(OpenRequest{
		UserID: "alice",
		ExamID: "exam-1",
		Listeners: []proctor.Listener{proctor.ListenerFuncs{
			Violation: func(ev proctor.Event) { got = append(got, ev.Kind) },
		}},
	})
	require.NoError(t, err)

	s.Detector().Record(proctor.KindDevTools, proctor.Detail{"method": proctor.MethodWindowSize})
	assert.Equal(t, []proctor.Kind{proctor.KindDevTools}, got)
}
