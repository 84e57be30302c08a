package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/theapemachine/memcube/pkg/audit"
	"github.com/theapemachine/memcube/pkg/auth"
	"github.com/theapemachine/memcube/pkg/embedding"
	"github.com/theapemachine/memcube/pkg/memory"
	"github.com/theapemachine/memcube/pkg/orchestrator"
	"github.com/theapemachine/memcube/pkg/scheduler"
	"github.com/tj/assert"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	srv       *MemoryServer
	scheduler *scheduler.Scheduler
	audit     *audit.MemoryLog
}

func newTestServer(t *testing.T, gate *auth.Service) *testServer {
	t.Helper()

	auditLog := audit.NewMemoryLog()
	orch := orchestrator.New(
		memory.NewInMemoryGraphStore(),
		memory.NewInMemoryVectorStore(),
		embedding.NewHashEmbedder(0),
		auditLog,
	)

	sched := scheduler.New(orch, scheduler.Options{Workers: 2})
	sched.Start(context.Background())

	t.Cleanup(func() { _ = sched.Close(context.Background()) })

	srv := NewMemoryServer(Config{
		Metrics: func() map[string]any { return map[string]any{"queue_depth": 0} },
	}, orch, sched, auditLog, gate)

	return &testServer{srv: srv, scheduler: sched, audit: auditLog}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) (*http.Response, envelope) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		raw, err := json.Marshal(body)
		assert.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := ts.srv.App().Test(req)
	assert.NoError(t, err)

	var env envelope

	raw, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)

	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		assert.NoError(t, json.Unmarshal(raw, &env))
	}

	return resp, env
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, env := ts.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, http.StatusOK, env.Code)
}

func TestAddSearchUpdateDeleteFlow(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, env := ts.do(t, http.MethodPost, "/product/add", map[string]any{
		"user_id":        "u1",
		"memory_content": "I like strawberry",
		"info":           map[string]any{"source": "chat"},
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, http.StatusOK, env.Code)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var added orchestrator.AddResult
	assert.NoError(t, json.Unmarshal(env.Data, &added))
	assert.NotEmpty(t, added.ID)

	resp, env = ts.do(t, http.MethodPost, "/product/search", map[string]any{
		"user_id": "u1",
		"query":   "What do I like",
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var found searchData
	assert.NoError(t, json.Unmarshal(env.Data, &found))
	assert.Equal(t, 1, len(found.Hits))
	assert.Equal(t, added.ID, found.Hits[0].ID)
	assert.Equal(t, 1, len(found.TextMem))
	assert.Equal(t, 1, len(found.Scopes[string(memory.ScopeLongTerm)]))
	assert.Equal(t, 0, len(found.Scopes[string(memory.ScopeWorking)]))

	resp, env = ts.do(t, http.MethodPost, "/product/update_memory", map[string]any{
		"memory_id": added.ID,
		"user_id":   "u1",
		"memory":    "I like blueberries",
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var updated memory.Node
	assert.NoError(t, json.Unmarshal(env.Data, &updated))
	assert.Equal(t, 2, updated.Version)

	resp, _ = ts.do(t, http.MethodPost, "/product/delete_memory", map[string]any{
		"memory_id": added.ID,
		"user_id":   "u1",
		"soft":      true,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env = ts.do(t, http.MethodPost, "/product/get_memory", map[string]any{
		"memory_id": added.ID,
		"user_id":   "u1",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, http.StatusNotFound, env.Code)

	resp, env = ts.do(t, http.MethodGet, "/product/audit/list?user_id=u1&limit=10", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var page audit.Page
	assert.NoError(t, json.Unmarshal(env.Data, &page))

	actions := make([]audit.Action, 0, len(page.Events))
	for _, event := range page.Events {
		actions = append(actions, event.Action)
	}

	assert.Contains(t, actions, audit.ActionAdd)
	assert.Contains(t, actions, audit.ActionUpdate)
	assert.Contains(t, actions, audit.ActionSoftDelete)
	assert.True(t, page.AsOf > 0)
}

func TestValidationErrorsUseEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, env := ts.do(t, http.MethodPost, "/product/add", map[string]any{"user_id": "u1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.Code)
	assert.NotEmpty(t, env.Message)

	resp, env = ts.do(t, http.MethodPost, "/product/search", map[string]any{
		"user_id": "u1", "query": "x", "top_k": 1000,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.Code)

	resp, _ = ts.do(t, http.MethodGet, "/product/audit/list?user_id=u1&limit=5000", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/product/add", map[string]any{
		"user_id": "u1", "memory_content": "x", "async_mode": "later",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAsyncAdd(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, env := ts.do(t, http.MethodPost, "/product/add", map[string]any{
		"user_id":        "u1",
		"memory_content": "remember the milk",
		"async_mode":     "async",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var task scheduler.Task
	assert.NoError(t, json.Unmarshal(env.Data, &task))
	assert.NotEmpty(t, task.ID)

	deadline := time.Now().Add(2 * time.Second)

	for time.Now().Before(deadline) {
		resp, env = ts.do(t, http.MethodGet, "/product/scheduler/status?user_id=u1&task_id="+task.ID, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NoError(t, json.Unmarshal(env.Data, &task))

		if task.Status.Terminal() {
			break
		}

		time.Sleep(5 * time.Millisecond)
	}

	assert.Equal(t, scheduler.StatusSucceeded, task.Status)
	assert.NotEmpty(t, task.MemoryID)

	resp, _ = ts.do(t, http.MethodGet, "/product/scheduler/status?user_id=u2&task_id="+task.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNeighborsRoute(t *testing.T) {
	ts := newTestServer(t, nil)

	_, env := ts.do(t, http.MethodPost, "/product/add", map[string]any{"user_id": "u1", "memory_content": "bought a bike"})

	var first orchestrator.AddResult
	assert.NoError(t, json.Unmarshal(env.Data, &first))

	resp, _ := ts.do(t, http.MethodPost, "/product/add", map[string]any{
		"user_id":        "u1",
		"memory_content": "the bike has a flat tire",
		"relations":      []map[string]string{{"target_id": first.ID, "relation": "follows"}},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env = ts.do(t, http.MethodPost, "/product/graph/neighbors", map[string]any{
		"memory_id": first.ID, "user_id": "u1",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var neighbors []memory.Neighbor
	assert.NoError(t, json.Unmarshal(env.Data, &neighbors))
	assert.Equal(t, 1, len(neighbors))
	assert.Equal(t, "follows", neighbors[0].Edge.Relation)
}

func TestPathRoutes(t *testing.T) {
	ts := newTestServer(t, nil)

	_, env := ts.do(t, http.MethodPost, "/product/add", map[string]any{"user_id": "u1", "memory_content": "bought a bike"})

	var first orchestrator.AddResult
	assert.NoError(t, json.Unmarshal(env.Data, &first))

	_, env = ts.do(t, http.MethodPost, "/product/add", map[string]any{
		"user_id":        "u1",
		"memory_content": "the bike has a flat tire",
		"relations":      []map[string]string{{"target_id": first.ID, "relation": "follows"}},
	})

	var second orchestrator.AddResult
	assert.NoError(t, json.Unmarshal(env.Data, &second))

	resp, env := ts.do(t, http.MethodPost, "/product/graph/path", map[string]any{
		"source_memory_id": second.ID, "target_memory_id": first.ID, "user_id": "u1", "direction": "out",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var path memory.Path
	assert.NoError(t, json.Unmarshal(env.Data, &path))
	assert.Equal(t, 1, path.Hops)
	assert.Equal(t, []string{second.ID, first.ID}, []string{path.Nodes[0].ID, path.Nodes[1].ID})

	resp, env = ts.do(t, http.MethodPost, "/product/graph/paths", map[string]any{
		"source_memory_id": first.ID, "target_memory_id": second.ID, "user_id": "u1", "top_k_paths": 3,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var paths []memory.Path
	assert.NoError(t, json.Unmarshal(env.Data, &paths))
	assert.Equal(t, 1, len(paths))

	resp, env = ts.do(t, http.MethodPost, "/product/graph/path", map[string]any{
		"source_memory_id": first.ID, "target_memory_id": second.ID, "user_id": "u1", "direction": "out",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, http.StatusNotFound, env.Code)

	resp, _ = ts.do(t, http.MethodPost, "/product/graph/paths", map[string]any{
		"source_memory_id": first.ID, "target_memory_id": second.ID, "user_id": "u1", "max_depth": 50,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBearerGate(t *testing.T) {
	gate := auth.NewService(auth.Options{Token: "s3cret", SigningKey: "signing-key"})
	ts := newTestServer(t, gate)

	body := map[string]any{"user_id": "u1", "memory_content": "guarded"}

	resp, env := ts.do(t, http.MethodPost, "/product/add", body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, http.StatusUnauthorized, env.Code)

	resp, _ = ts.do(t, http.MethodPost, "/product/add", body, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	token, err := gate.GenerateToken("u2", time.Hour)
	assert.NoError(t, err)

	resp, _ = ts.do(t, http.MethodPost, "/product/add", body, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func decodePage(t *testing.T, env envelope) audit.Page {
	t.Helper()

	var page audit.Page
	assert.NoError(t, json.Unmarshal(env.Data, &page))

	return page
}

func TestAuditListByCube(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, user := range []string{"u1", "u2"} {
		resp, _ := ts.do(t, http.MethodPost, "/product/add", map[string]any{
			"user_id": user, "mem_cube_id": "shared", "memory_content": "cube note from " + user,
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, _ := ts.do(t, http.MethodPost, "/product/add", map[string]any{
		"user_id": "u1", "mem_cube_id": "private", "memory_content": "elsewhere",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env := ts.do(t, http.MethodGet, "/product/audit/list?cube_id=shared", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	page := decodePage(t, env)
	assert.Equal(t, 2, page.Total)

	users := []string{}
	for _, event := range page.Events {
		assert.Equal(t, "shared", event.CubeID)
		users = append(users, event.UserID)
	}

	assert.ElementsMatch(t, []string{"u1", "u2"}, users)

	resp, env = ts.do(t, http.MethodGet, "/product/audit/list", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, decodePage(t, env).Total)
}

func TestAuditListScopedToTokenSubject(t *testing.T) {
	gate := auth.NewService(auth.Options{Token: "s3cret", SigningKey: "signing-key"})
	ts := newTestServer(t, gate)

	for _, user := range []string{"u1", "u2"} {
		resp, _ := ts.do(t, http.MethodPost, "/product/add", map[string]any{
			"user_id": user, "mem_cube_id": "shared", "memory_content": "note from " + user,
		}, "Authorization", "Bearer s3cret")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	token, err := gate.GenerateToken("u1", time.Hour)
	assert.NoError(t, err)

	resp, env := ts.do(t, http.MethodGet, "/product/audit/list?cube_id=shared", nil, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	page := decodePage(t, env)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, "u1", page.Events[0].UserID)

	resp, _ = ts.do(t, http.MethodGet, "/product/audit/list?user_id=u2", nil, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, env = ts.do(t, http.MethodGet, "/product/audit/list?cube_id=shared", nil, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, decodePage(t, env).Total)
}

func TestMetricsRoute(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, env := ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var data map[string]any
	assert.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Contains(t, data, "queue_depth")
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, env := ts.do(t, http.MethodGet, "/product/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, http.StatusNotFound, env.Code)
}
