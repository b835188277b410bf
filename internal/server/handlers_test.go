// internal/server/handlers_test.go
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arkadich/graphloom/api/schemas"
	"github.com/arkadich/graphloom/internal/config"
	"github.com/arkadich/graphloom/internal/graph"
	"github.com/arkadich/graphloom/internal/jobs"
	"github.com/arkadich/graphloom/internal/store"
)

// stubOracle answers every invoke with a fixed fragment.
type stubOracle struct {
	fragment *schemas.GraphFragment
}

func (s *stubOracle) Invoke(context.Context, string, string) (*schemas.GraphFragment, error) {
	return s.fragment, nil
}

func (s *stubOracle) Probe(context.Context) (string, error) { return "ok", nil }

type testEnv struct {
	srv   *Server
	store *store.Memory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := store.NewMemory(100)
	logger := zap.NewNop()

	factory := func(schemas.ModelConfig) (schemas.Oracle, error) {
		return &stubOracle{fragment: &schemas.GraphFragment{
			Nodes: []schemas.Entity{
				{ID: "zhangsan", Label: "张三"},
				{ID: "lisi", Label: "李四"},
			},
			Edges: []schemas.Relation{{Source: "zhangsan", Target: "lisi", Label: "同学"}},
		}}, nil
	}

	merger := graph.NewMerger(mem, logger)
	orch := jobs.NewOrchestrator(mem, merger, factory, jobs.Options{ChunkSize: 500}, logger)
	t.Cleanup(orch.Stop)

	srv := New(config.ServerConfig{Addr: "127.0.0.1:0", AllowOrigins: []string{"*"}},
		Stores{Graph: mem, Jobs: mem, Models: mem},
		orch, graph.NewCleaner(mem, logger), factory, logger)
	return &testEnv{srv: srv, store: mem}
}

// do issues a request against the in-process handler and decodes the JSON
// response into out when out is non-nil.
func (e *testEnv) do(t *testing.T, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out),
			"response body: %s", rec.Body.String())
	}
	return rec
}

func (e *testEnv) createProject(t *testing.T, name string) schemas.Project {
	t.Helper()
	var p schemas.Project
	rec := e.do(t, http.MethodPost, "/api/projects", jsonMap{"name": name}, &p)
	require.Equal(t, http.StatusCreated, rec.Code)
	return p
}

// jsonMap is shorthand for ad-hoc request bodies.
type jsonMap = map[string]any

func TestProjectEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	p := env.createProject(t, "诛仙")
	assert.NotEmpty(t, p.ID)

	var list []schemas.Project
	rec := env.do(t, http.MethodGet, "/api/projects", nil, &list)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, list, 1)

	rec = env.do(t, http.MethodPut, "/api/projects/"+p.ID, jsonMap{"name": "renamed"}, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	var got schemas.Project
	rec = env.do(t, http.MethodGet, "/api/projects/"+p.ID, nil, &got)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "renamed", got.Name)

	rec = env.do(t, http.MethodDelete, "/api/projects/"+p.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/projects/"+p.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/projects", jsonMap{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGraphEndpointFiltersDanglingEdges(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	p := env.createProject(t, "graph")

	require.NoError(t, env.store.ReplaceGraph(context.Background(), p.ID, schemas.ProjectGraph{
		Nodes: []schemas.Entity{{ID: "a", Label: "A"}},
		Edges: []schemas.Relation{
			{Source: "a", Target: "a", Label: "self"},
			{Source: "a", Target: "gone", Label: "dangling"},
		},
	}))

	var g schemas.ProjectGraph
	rec := env.do(t, http.MethodGet, "/api/projects/"+p.ID+"/graph", nil, &g)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, g.Edges, 1, "dangling edge filtered from the response")
	assert.Equal(t, "self", g.Edges[0].Label)

	// The stored graph still carries the dangling edge.
	stored, err := env.store.GetGraph(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Edges, 2)
}

func TestAnalyzeFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	p := env.createProject(t, "analyze")

	var model schemas.ModelConfig
	rec := env.do(t, http.MethodPost, "/api/models", jsonMap{
		"name": "default", "base_url": "http://oracle", "model_id": "m1", "api_key": "secret",
	}, &model)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, model.APIKey, "API key never returned to clients")

	var resp struct {
		JobID string `json:"job_id"`
	}
	rec = env.do(t, http.MethodPost, "/api/projects/"+p.ID+"/analyze",
		jsonMap{"text": strings.Repeat("文", 600)}, &resp)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotEmpty(t, resp.JobID)

	var job schemas.Job
	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/api/jobs/"+resp.JobID, nil, &job)
		require.Equal(t, http.StatusOK, rec.Code)
		return job.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, schemas.JobCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)

	var g schemas.ProjectGraph
	env.do(t, http.MethodGet, "/api/projects/"+p.ID+"/graph", nil, &g)
	assert.Len(t, g.Nodes, 2)
	assert.Len(t, g.Edges, 1)

	var jobsList []schemas.Job
	rec = env.do(t, http.MethodGet, "/api/jobs?project_id="+p.ID, nil, &jobsList)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, jobsList, 1)

	var progress schemas.ProgressUpdate
	rec = env.do(t, http.MethodGet, "/api/jobs/"+resp.JobID+"/progress", nil, &progress)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 100, progress.Progress)
	assert.Equal(t, schemas.JobCompleted, progress.Status)
}

func TestAnalyzeValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	p := env.createProject(t, "validation")

	// No model configured yet.
	rec := env.do(t, http.MethodPost, "/api/projects/"+p.ID+"/analyze",
		jsonMap{"text": "enough text"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Missing text fails binding.
	rec = env.do(t, http.MethodPost, "/api/projects/"+p.ID+"/analyze", jsonMap{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCleanupEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	p := env.createProject(t, "cleanup")

	require.NoError(t, env.store.ReplaceGraph(context.Background(), p.ID, schemas.ProjectGraph{
		Nodes: []schemas.Entity{
			{ID: "zhangsan", Label: "张三"},
			{ID: "zs1", Label: "张三"},
		},
	}))

	var result schemas.CleanupResult
	rec := env.do(t, http.MethodPost, "/api/projects/"+p.ID+"/cleanup", nil, &result)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, result.MergedEntities)
}

func TestExportImportEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	p := env.createProject(t, "bundle")

	require.NoError(t, env.store.ReplaceGraph(context.Background(), p.ID, schemas.ProjectGraph{
		Nodes: []schemas.Entity{{ID: "a", Label: "A"}},
	}))

	rec := env.do(t, http.MethodGet, "/api/projects/"+p.ID+"/export", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	exported := rec.Body.Bytes()

	req := httptest.NewRequest(http.MethodPost, "/api/import", bytes.NewReader(exported))
	irec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(irec, req)
	require.Equal(t, http.StatusCreated, irec.Code)

	var imported schemas.Project
	require.NoError(t, json.Unmarshal(irec.Body.Bytes(), &imported))
	assert.NotEqual(t, p.ID, imported.ID)
	assert.Equal(t, "bundle", imported.Name)
}

func TestModelEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	var m schemas.ModelConfig
	rec := env.do(t, http.MethodPost, "/api/models", jsonMap{
		"name": "gpt", "base_url": "http://oracle", "model_id": "m1", "api_key": "secret",
	}, &m)
	require.Equal(t, http.StatusCreated, rec.Code)

	var models []schemas.ModelConfig
	rec = env.do(t, http.MethodGet, "/api/models", nil, &models)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, models, 1)
	assert.Empty(t, models[0].APIKey)

	rec = env.do(t, http.MethodPut, "/api/models/"+m.ID, jsonMap{
		"name": "gpt-renamed", "base_url": "http://oracle", "model_id": "m2",
	}, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Empty api_key on update keeps the stored key.
	stored, err := env.store.GetModel(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret", stored.APIKey)
	assert.Equal(t, "gpt-renamed", stored.Name)

	var probe struct {
		OK    bool   `json:"ok"`
		Reply string `json:"reply"`
	}
	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/models/%s/test", m.ID), nil, &probe)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, probe.OK)
	assert.Equal(t, "ok", probe.Reply)

	rec = env.do(t, http.MethodDelete, "/api/models/"+m.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/models/model_nope/test", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogsEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, env.store.AppendLog(context.Background(), schemas.LogEntry{
			Level:   schemas.LogInfo,
			Message: fmt.Sprintf("line %d", i),
		}))
	}

	var entries []schemas.LogEntry
	rec := env.do(t, http.MethodGet, "/api/logs?limit=2", nil, &entries)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, entries, 2)
	assert.Equal(t, "line 2", entries[0].Message, "newest first")
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
