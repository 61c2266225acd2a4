package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/config"
	"proctord/internal/health"
	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/proctor"
	"proctord/internal/session"
	"proctord/internal/store"
)

const testToken = "s3cret"

type fixture struct {
	srv     *Server
	manager *session.Manager
	db      *store.Store
	checker *health.Checker
}

func newFixture(t *testing.T, withStore bool) *fixture {
	t.Helper()

	logger, err := logging.New(&logging.Config{Level: logging.LevelError, Writer: io.Discard})
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Detector.ArmingDelayMs = 0
	cfg.Detector.ProbeIntervalMs = int(time.Hour / time.Millisecond)

	f := &fixture{checker: health.NewChecker()}
	opts := &Options{
		AdminToken: testToken,
		Health:     f.checker,
		Metrics:    metrics.NewRegistry("test"),
		Logger:     logger,
	}
	if withStore {
		f.db, err = store.Open(filepath.Join(t.TempDir(), "v.db"), 0)
		require.NoError(t, err)
		t.Cleanup(func() { f.db.Close() })
		opts.Store = f.db
	}

	f.manager = session.NewManager(cfg,
		session.WithStore(f.db),
		session.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	t.Cleanup(func() { f.manager.CloseAll(context.Background()) })
	opts.Manager = f.manager

	f.srv = NewServer(opts)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAdminTokenRequired(t *testing.T) {
	f := newFixture(t, true)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	assert.Contains(t, []int{http.StatusBadRequest, http.StatusUnauthorized}, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHealthEndpointsSkipAuth(t *testing.T) {
	f := newFixture(t, true)
	f.checker.Register("store", true, health.StoreCheck(f.db.Ping))

	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[health.Report](t, rec)
	assert.Equal(t, health.StatusHealthy, report.Status)

	rec = httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f.checker.SetReady(true)
	rec = httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzUnhealthy(t *testing.T) {
	f := newFixture(t, false)
	f.checker.Register("store", true, health.StoreCheck(func(context.Context) error {
		return errors.New("disk gone")
	}))

	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, false)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGatewayDisabled(t *testing.T) {
	f := newFixture(t, false)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t, true)

	s, err := f.manager.Open(session.OpenRequest{UserID: "u1", ExamID: "exam-1"})
	require.NoError(t, err)
	_, err = f.manager.Open(session.OpenRequest{UserID: "u2", ExamID: "exam-2"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]session.Info](t, rec), 2)

	rec = f.do(t, http.MethodGet, "/api/sessions?exam=exam-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	infos := decode[[]session.Info](t, rec)
	require.Len(t, infos, 1)
	assert.Equal(t, "u1", infos[0].UserID)

	rec = f.do(t, http.MethodGet, "/api/sessions/"+s.ID+"/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, s.ID, decode[session.Info](t, rec).ID)

	rec = f.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/block", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[session.Info](t, rec)
	assert.True(t, info.Snapshot.IsBlocked)

	rec = f.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info = decode[session.Info](t, rec)
	assert.False(t, info.Snapshot.IsBlocked)
	assert.Zero(t, info.Snapshot.Violations)

	rec = f.do(t, http.MethodGet, "/api/exams/exam-1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]session.Info](t, rec), 1)

	rec = f.do(t, http.MethodDelete, "/api/sessions/"+s.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/sessions/"+s.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not found")
}

func TestForcedBlockRecorded(t *testing.T) {
	f := newFixture(t, true)
	s, err := f.manager.Open(session.OpenRequest{UserID: "u1", ExamID: "exam-1"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/block", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/api/exams/exam-1/blocks", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var blocks []store.Block
		if json.Unmarshal(rec.Body.Bytes(), &blocks) != nil || len(blocks) != 1 {
			return false
		}
		return blocks[0].Forced && blocks[0].UserID == "u1"
	}, 2*time.Second, 10*time.Millisecond)
}

func report(user string, kind proctor.Kind, at time.Time) map[string]any {
	return map[string]any{
		"userId":        user,
		"examId":        "exam-1",
		"violationType": string(kind),
		"timestamp":     at.Format(proctor.TimestampLayout),
		"clientContext": "Mozilla/5.0",
		"currentUrl":    "https://exam.example/q/1",
		"details":       map[string]any{"violationCount": 1},
	}
}

func TestLogViolationAndQueries(t *testing.T) {
	f := newFixture(t, true)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	for i, r := range []map[string]any{
		report("u1", proctor.KindTabSwitch, base),
		report("u1", proctor.KindDevTools, base.Add(time.Minute)),
		report("u2", proctor.KindCopyPaste, base.Add(2*time.Minute)),
	} {
		rec := f.do(t, http.MethodPost, "/api/log-violation", r)
		require.Equal(t, http.StatusCreated, rec.Code, "report %d: %s", i, rec.Body.String())
		assert.Contains(t, rec.Body.String(), `"id"`)
	}

	rec := f.do(t, http.MethodGet, "/api/exams/exam-1/violations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]store.Violation](t, rec), 3)

	rec = f.do(t, http.MethodGet, "/api/exams/exam-1/violations?user=u1&kind=dev_tools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	vs := decode[[]store.Violation](t, rec)
	require.Len(t, vs, 1)
	assert.Equal(t, proctor.KindDevTools, vs[0].Kind)

	since := base.Add(30 * time.Second).Format(time.RFC3339)
	rec = f.do(t, http.MethodGet, "/api/exams/exam-1/violations?limit=1&since="+since, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	vs = decode[[]store.Violation](t, rec)
	require.Len(t, vs, 1)
	assert.Equal(t, proctor.KindDevTools, vs[0].Kind)

	rec = f.do(t, http.MethodGet, "/api/exams/exam-1/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[store.ExamSummary](t, rec)
	assert.Equal(t, 3, sum.Total)
	require.Len(t, sum.Students, 2)
	assert.Equal(t, "u1", sum.Students[0].UserID)

	rec = f.do(t, http.MethodGet, "/api/exams/unknown/summary", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogViolationRejectsBadInput(t *testing.T) {
	f := newFixture(t, true)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	missing := report("", proctor.KindTabSwitch, base)
	rec := f.do(t, http.MethodPost, "/api/log-violation", missing)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "UserID")

	unknown := report("u1", proctor.KindTabSwitch, base)
	unknown["violationType"] = "TELEPORT"
	rec = f.do(t, http.MethodPost, "/api/log-violation", unknown)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	badTime := report("u1", proctor.KindTabSwitch, base)
	badTime["timestamp"] = "yesterday"
	rec = f.do(t, http.MethodPost, "/api/log-violation", badTime)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, q := range []string{"kind=nope", "since=monday", "limit=-1"} {
		rec = f.do(t, http.MethodGet, "/api/exams/exam-1/violations?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestViolationRoutesWithoutStore(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/api/log-violation", report("u1", proctor.KindTabSwitch, time.Now()))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/exams/exam-1/violations", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "store disabled"))
}

func TestRequestIDHeader(t *testing.T) {
	f := newFixture(t, false)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}
