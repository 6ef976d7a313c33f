package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chkim-su/forge2/internal/archive"
	"github.com/chkim-su/forge2/internal/gate"
	"github.com/chkim-su/forge2/internal/logging"
	"github.com/chkim-su/forge2/internal/schema"
	"github.com/chkim-su/forge2/internal/validate"
	"github.com/chkim-su/forge2/internal/workflow"
)

type testEnv struct {
	server   *Server
	stateDir string
	history  *archive.SQLiteArchive
	registry *prometheus.Registry
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	stateDir := t.TempDir()
	history, err := archive.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = history.Close() })

	v, err := validate.New(schema.Default())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	server, err := NewServer(Deps{
		Open: func(id string) (StateReader, error) {
			return workflow.NewStore(workflow.DefaultConfig(stateDir, id))
		},
		History:   history,
		Validator: v,
		Gatherer:  reg,
		Version:   "test",
	}, logging.NewNop(), nil)
	require.NoError(t, err)
	return &testEnv{server: server, stateDir: stateDir, history: history, registry: reg}
}

func (e *testEnv) store(t *testing.T, session string) *workflow.Store {
	t.Helper()
	s, err := workflow.NewStore(workflow.DefaultConfig(e.stateDir, session), workflow.WithArchiver(e.history))
	require.NoError(t, err)
	return s
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	open := func(string) (StateReader, error) { return nil, nil }

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(Deps{Open: open}, logging.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:9797", server.config.Addr)
		assert.Equal(t, "default", server.deps.DefaultSession)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(Deps{Open: open}, nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("returns error when opener is nil", func(t *testing.T) {
		_, err := NewServer(Deps{}, logging.NewNop(), nil)
		assert.ErrorContains(t, err, "state opener cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleStatus(t *testing.T) {
	ctx := context.Background()
	env := setupTestServer(t)

	t.Run("no workflow", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/status?session=s1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp StatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "s1", resp.Session)
		assert.Nil(t, resp.Workflow)
		assert.Equal(t, StatusCounts{}, resp.Counts)
	})

	t.Run("live workflow", func(t *testing.T) {
		s := env.store(t, "s1")
		_, err := s.Init(ctx, workflow.KindCreation, nil)
		require.NoError(t, err)
		_, err = s.AdvancePhase(ctx)
		require.NoError(t, err)

		rec := env.do(t, http.MethodGet, "/api/v1/status?session=s1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp StatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotNil(t, resp.Workflow)
		assert.Equal(t, "execute", resp.Phase)
		assert.Equal(t, []string{"execute", "verify"}, resp.Outstanding)
		assert.False(t, resp.Complete)
		assert.Equal(t, "test", resp.Version)
	})

	t.Run("invalid session", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/status?session=..%2Fx", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleHistory(t *testing.T) {
	ctx := context.Background()
	env := setupTestServer(t)
	s := env.store(t, "s2")
	_, err := s.Init(ctx, workflow.KindRefactor, nil)
	require.NoError(t, err)
	_, err = s.Reset(ctx)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/v1/history?session=s2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Workflows, 1)
	assert.Equal(t, workflow.KindRefactor, resp.Workflows[0].Kind)

	rec = env.do(t, http.MethodGet, "/api/v1/history?session=other", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"workflows": []}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/history?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/status?session=s2", nil)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.Counts.Archived)
}

func TestHandleValidate(t *testing.T) {
	env := setupTestServer(t)
	root := t.TempDir()
	path := filepath.Join(root, "skills", "login-form", "SKILL.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("---\nname: login-form\n---\nBody.\n"), 0o644))

	t.Run("reports diagnostics", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/validate", ValidateRequest{Paths: []string{path}})
		require.Equal(t, http.StatusOK, rec.Code)
		var report validate.Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		require.Len(t, report.Files, 1)
		assert.Equal(t, "skill", report.Files[0].Type)
		assert.False(t, report.Result.Valid)
	})

	t.Run("requires paths", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/validate", ValidateRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/validate", bytes.NewReader([]byte("invalid json")))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

type staticReports struct{ report *validate.Report }

func (s staticReports) Latest() *validate.Report { return s.report }

func TestHandleWatch(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(t, http.MethodGet, "/api/v1/watch", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.server.deps.Reports = staticReports{}
	rec = env.do(t, http.MethodGet, "/api/v1/watch", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	env.server.deps.Reports = staticReports{report: &validate.Report{Result: validate.Result{Valid: true}}}
	rec = env.do(t, http.MethodGet, "/api/v1/watch", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":true`)
}

func TestHandleMetrics(t *testing.T) {
	env := setupTestServer(t)
	m := gate.NewMetricsWith(env.registry)
	m.Decisions.WithLabelValues("write", "deny").Inc()

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `forge_gate_decisions_total{category="write",decision="deny"} 1`)
}

func TestCountFromArchive(t *testing.T) {
	assert.Equal(t, StatusCounts{Archived: -1, Completed: -1}, CountFromArchive(context.Background(), nil))
}
