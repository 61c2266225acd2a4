package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/proctor"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "violations.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func violation(user, exam string, kind proctor.Kind, at time.Time, count int) *Violation {
	return &Violation{
		SessionID:      "sess-" + user,
		UserID:         user,
		ExamID:         exam,
		Kind:           kind,
		OccurredAt:     at,
		ClientContext:  "Mozilla/5.0",
		CurrentURL:     "https://exam.example/q/1",
		Details:        map[string]any{"violationCount": float64(count)},
		ViolationCount: count,
		Sequence:       uint64(count),
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "v.db")
	s, err := Open(path, 0)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(context.Background()))
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{}
	assert.NoError(t, s.Close())
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v.db")
	s, err := Open(path, 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, MigrateDB(db))
	v, err := SchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), v)

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, len(migrations), n)
}

func TestInsertAndGetViolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v := violation("u1", "e1", proctor.KindCopyPaste, t0, 1)
	v.Details["key"] = "c"
	id, err := s.InsertViolation(ctx, v)
	require.NoError(t, err)
	assert.Equal(t, id, v.ID)

	got, err := s.GetViolation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, proctor.KindCopyPaste, got.Kind)
	assert.True(t, t0.Equal(got.OccurredAt))
	assert.Equal(t, "c", got.Details["key"])
	assert.Equal(t, float64(1), got.Details["violationCount"])
	assert.Equal(t, "sess-u1", got.SessionID)
	assert.Equal(t, uint64(1), got.Sequence)

	_, err = s.GetViolation(ctx, id+100)
	assert.True(t, IsNotFound(err))
}

func TestInsertViolationNilDetails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v := violation("u1", "e1", proctor.KindTabSwitch, t0, 1)
	v.Details = nil
	id, err := s.InsertViolation(ctx, v)
	require.NoError(t, err)

	got, err := s.GetViolation(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, got.Details)
}

func TestListViolationsFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rows := []*Violation{
		violation("u1", "e1", proctor.KindTabSwitch, t0.Add(2*time.Second), 2),
		violation("u1", "e1", proctor.KindAltTab, t0, 1),
		violation("u2", "e1", proctor.KindDevTools, t0.Add(time.Second), 1),
		violation("u1", "e2", proctor.KindTabSwitch, t0, 1),
	}
	for _, v := range rows {
		_, err := s.InsertViolation(ctx, v)
		require.NoError(t, err)
	}

	all, err := s.ListViolations(ctx, ViolationFilter{ExamID: "e1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, proctor.KindAltTab, all[0].Kind, "oldest first")
	assert.Equal(t, proctor.KindTabSwitch, all[2].Kind)

	byUser, err := s.ListViolations(ctx, ViolationFilter{ExamID: "e1", UserID: "u2"})
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, proctor.KindDevTools, byUser[0].Kind)

	byKind, err := s.ListViolations(ctx, ViolationFilter{Kind: proctor.KindTabSwitch})
	require.NoError(t, err)
	assert.Len(t, byKind, 2)

	window, err := s.ListViolations(ctx, ViolationFilter{
		ExamID: "e1",
		Since:  t0.Add(500 * time.Millisecond),
		Until:  t0.Add(1500 * time.Millisecond),
	})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "u2", window[0].UserID)

	limited, err := s.ListViolations(ctx, ViolationFilter{ExamID: "e1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := s.ListViolations(ctx, ViolationFilter{ExamID: "missing"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestBlocks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b := &Block{SessionID: "s1", UserID: "u1", ExamID: "e1", Count: 3, BlockedAt: t0}
	_, err := s.InsertBlock(ctx, b)
	require.NoError(t, err)
	_, err = s.InsertBlock(ctx, &Block{SessionID: "s2", UserID: "u2", ExamID: "e1", Count: 0, Forced: true, BlockedAt: t0.Add(time.Minute)})
	require.NoError(t, err)
	_, err = s.InsertBlock(ctx, &Block{SessionID: "s3", UserID: "u3", ExamID: "e2", Count: 3, BlockedAt: t0})
	require.NoError(t, err)

	blocks, err := s.ListBlocks(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, "s1", blocks[0].SessionID)
	assert.False(t, blocks[0].Forced)
	assert.True(t, blocks[1].Forced)
	assert.True(t, t0.Equal(blocks[0].BlockedAt))

	all, err := s.ListBlocks(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestExamSummary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, v := range []*Violation{
		violation("u1", "e1", proctor.KindWindowBlur, t0, 1),
		violation("u1", "e1", proctor.KindWindowBlur, t0.Add(2*time.Second), 2),
		violation("u2", "e1", proctor.KindDevTools, t0.Add(time.Second), 1),
		violation("u3", "e1", proctor.KindTabSwitch, t0, 1),
		violation("u3", "e1", proctor.KindContextMenu, t0.Add(3*time.Second), 2),
		violation("u9", "other", proctor.KindDevTools, t0, 1),
	} {
		_, err := s.InsertViolation(ctx, v)
		require.NoError(t, err)
	}
	_, err := s.InsertBlock(ctx, &Block{SessionID: "s3", UserID: "u3", ExamID: "e1", Count: 3, BlockedAt: t0})
	require.NoError(t, err)

	sum, err := s.ExamSummary(ctx, "e1")
	require.NoError(t, err)

	assert.Equal(t, "e1", sum.ExamID)
	assert.Equal(t, 5, sum.Total)
	assert.Equal(t, 2, sum.ByKind[proctor.KindWindowBlur])
	assert.Equal(t, 1, sum.Blocks)
	require.Len(t, sum.Students, 3)

	// Worst severity first, then most violations.
	assert.Equal(t, "u2", sum.Students[0].UserID)
	assert.Equal(t, proctor.SeverityHigh, sum.Students[0].MaxSeverity)

	assert.Equal(t, "u3", sum.Students[1].UserID)
	assert.Equal(t, proctor.SeverityMedium, sum.Students[1].MaxSeverity)
	assert.True(t, sum.Students[1].Blocked)
	assert.True(t, t0.Add(3*time.Second).Equal(sum.Students[1].LastAt))

	assert.Equal(t, "u1", sum.Students[2].UserID)
	assert.Equal(t, 2, sum.Students[2].Total)
	assert.Equal(t, proctor.SeverityLow, sum.Students[2].MaxSeverity)
	assert.False(t, sum.Students[2].Blocked)

	_, err = s.ExamSummary(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestViolationFromReport(t *testing.T) {
	act := proctor.DefaultActivation("u1", "e1")
	ev := proctor.Event{
		Kind:       proctor.KindDevTools,
		OccurredAt: t0.Add(1500 * time.Millisecond),
		Detail:     proctor.Detail{"method": "window-size"},
		Sequence:   4,
		Count:      2,
	}
	r := proctor.NewReport(act, nil, "s1", ev)

	v, err := ViolationFromReport(r)
	require.NoError(t, err)
	assert.Equal(t, "u1", v.UserID)
	assert.Equal(t, "e1", v.ExamID)
	assert.Equal(t, "s1", v.SessionID)
	assert.Equal(t, 2, v.ViolationCount)
	assert.Equal(t, uint64(4), v.Sequence)
	assert.True(t, ev.OccurredAt.Equal(v.OccurredAt))
	assert.Equal(t, proctor.SeverityHigh, v.Severity())

	r.Timestamp = "yesterday"
	_, err = ViolationFromReport(r)
	assert.Error(t, err)
}
