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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leifmarkthaler/gleitzeit-sub000/internal/auth"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/bus"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/config"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/dispatcher"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/pool"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/resilience"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/store"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/validator"
	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

type testEnv struct {
	server    *Server
	handlers  *Handlers
	d         *dispatcher.Dispatcher
	store     *store.MemoryStore
	bus       *bus.MemoryBus
	inference *pool.Pool
}

func newTestEnv(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	nodes := pool.New(pool.DefaultConfig("nodes"))
	inference := pool.New(pool.DefaultConfig("inference"))

	retrier := resilience.NewRetrier(resilience.NewBreakers(resilience.DefaultBreakerConfig()),
		resilience.WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
		resilience.WithLogger(logger),
	)
	st := store.NewMemoryStore()
	b := bus.NewMemoryBus(16)
	t.Cleanup(func() { b.Close() })

	d := dispatcher.New(st, b, nodes, retrier, &dispatcher.Config{Logger: logger})
	v, err := validator.New()
	require.NoError(t, err)

	cfg := config.Defaults()
	cfg.DefaultMaxRetries = 2
	h := NewHandlers(st, d, pool.NewRegistry(nodes, inference), b, v, cfg, logger)
	h.heartbeat = 50 * time.Millisecond

	return &testEnv{
		server:    NewServer(h, opts...),
		handlers:  h,
		d:         d,
		store:     st,
		bus:       b,
		inference: inference,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.RemoteAddr = "10.0.0.1:5555"
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) submit(t *testing.T, body string) SubmitWorkflowResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/workflows", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp SubmitWorkflowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

const haiku = `{
	"id": "wf-haiku",
	"name": "haiku",
	"tasks": [
		{"name": "topic", "type": "text", "priority": "high", "parameters": {"text": {"prompt": "pick a topic"}}},
		{"name": "poem", "type": "text", "dependencies": ["topic"], "timeout": "30s",
		 "parameters": {"text": {"prompt": "write about {{topic.result}}"}}}
	]
}`

func TestHealthAndReady(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = e.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ready"`)

	rec = e.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gleitzeit_orchestrator")
}

func TestSubmitAndGetWorkflow(t *testing.T) {
	e := newTestEnv(t)

	resp := e.submit(t, haiku)
	assert.Equal(t, "wf-haiku", resp.WorkflowID)
	assert.Equal(t, string(types.WorkflowStatusPending), resp.Status)
	require.Len(t, resp.TaskIDs, 2)
	assert.Equal(t, "/api/v1/workflows/wf-haiku/events", resp.EventsURL)

	rec := e.do(t, http.MethodGet, "/api/v1/workflows/wf-haiku", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got WorkflowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Live)
	assert.Equal(t, 2, got.Progress.Total)
	require.Len(t, got.Tasks, 2)

	byName := map[string]*types.Task{}
	for _, task := range got.Tasks {
		byName[task.Name] = task
	}
	assert.Equal(t, types.PriorityHigh, byName["topic"].Priority)
	assert.Equal(t, []string{resp.TaskIDs["topic"]}, byName["poem"].Dependencies)
	assert.Equal(t, 30*time.Second, byName["poem"].Timeout)
	assert.Equal(t, 2, byName["poem"].MaxRetries, "configured default applies")

	rec = e.do(t, http.MethodGet, "/api/v1/workflows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = e.do(t, http.MethodGet, "/api/v1/workflows?status=completed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":0`)
}

func TestSubmitWorkflow_Errors(t *testing.T) {
	e := newTestEnv(t)
	e.submit(t, haiku)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{name: "malformed", body: `{"name":`, status: http.StatusUnprocessableEntity, code: ErrCodeValidationFailed},
		{name: "schema", body: `{"name": "x", "tasks": []}`, status: http.StatusUnprocessableEntity, code: ErrCodeValidationFailed},
		{name: "duplicate id", body: haiku, status: http.StatusConflict, code: ErrCodeConflict},
		{
			name: "cycle",
			body: `{"name": "loop", "tasks": [
				{"name": "a", "type": "text", "dependencies": ["b"], "parameters": {"text": {"prompt": "x"}}},
				{"name": "b", "type": "text", "dependencies": ["a"], "parameters": {"text": {"prompt": "y"}}}
			]}`,
			status: http.StatusUnprocessableEntity,
			code:   ErrCodeValidationFailed,
		},
		{
			name: "missing variant",
			body: `{"name": "bare", "tasks": [{"name": "a", "type": "text"}]}`,
			status: http.StatusUnprocessableEntity,
			code:   ErrCodeValidationFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/api/v1/workflows", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			resp := decodeError(t, rec)
			assert.Equal(t, tt.code, resp.Error)
			assert.NotEmpty(t, resp.RequestID)
		})
	}
	assert.Len(t, e.d.Workflows(), 1)
}

func TestCancelAndRetryWorkflow(t *testing.T) {
	e := newTestEnv(t)
	e.submit(t, haiku)

	rec := e.do(t, http.MethodPost, "/api/v1/workflows/wf-haiku/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "continue_on_error workflows cannot be retried")

	rec = e.do(t, http.MethodPost, "/api/v1/workflows/wf-haiku/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)

	wf, ok := e.d.Workflow("wf-haiku")
	require.True(t, ok)
	assert.Equal(t, types.WorkflowStatusCancelled, wf.Status())

	stored, err := e.store.GetWorkflow(context.Background(), "wf-haiku")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStatusCancelled, stored.Status)

	rec = e.do(t, http.MethodPost, "/api/v1/workflows/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrCodeNotFound, decodeError(t, rec).Error)
}

func TestGetWorkflow_FromStore(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, e.store.SaveWorkflow(ctx, &types.WorkflowRecord{
		ID: "old", Name: "archived", Status: types.WorkflowStatusCompleted,
		TotalTasks: 1, TaskIDs: []string{"t1"}, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, e.store.SaveTask(ctx, &types.Task{
		ID: "t1", WorkflowID: "old", Name: "only", Type: types.TaskTypeText, Status: types.TaskStatusCompleted,
	}))

	rec := e.do(t, http.MethodGet, "/api/v1/workflows/old", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got WorkflowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.False(t, got.Live)
	assert.Equal(t, types.Progress{Total: 1, Completed: 1, Percent: 100}, got.Progress)

	rec = e.do(t, http.MethodGet, "/api/v1/workflows/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNodes(t *testing.T) {
	e := newTestEnv(t)
	env, err := types.NewEnvelope(types.MessageNodeRegister, types.NodeRegistration{
		NodeID:       "exec-1",
		Capabilities: types.Capabilities{TaskTypes: []types.TaskType{types.TaskTypeText}, MaxConcurrentTasks: 2},
	})
	require.NoError(t, err)
	require.NoError(t, e.d.HandleEnvelope(context.Background(), env))

	rec := e.do(t, http.MethodGet, "/api/v1/nodes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"exec-1"`)

	rec = e.do(t, http.MethodPost, "/api/v1/nodes/exec-1/drain", "")
	require.Equal(t, http.StatusOK, rec.Code)
	m, ok := e.d.Nodes().Get("exec-1")
	require.True(t, ok)
	assert.Equal(t, types.MemberStatusDraining, m.Status)

	rec = e.do(t, http.MethodPost, "/api/v1/nodes/ghost/drain", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPools(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/pools/inference/members",
		`{"name": "ollama-1", "address": "http://ollama-1:11434", "capabilities": {"models": ["llama3"], "max_concurrent_tasks": 2}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/api/v1/pools/inference/members", `{"name": "bad", "address": "ftp://x", "capabilities": {}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/pools/nodes/members", `{"name": "exec-9", "capabilities": {}}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/pools/inference/select", `{"models": ["llama3"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var sel SelectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sel))
	assert.Equal(t, SelectResponse{Pool: "inference", Member: "ollama-1", Address: "http://ollama-1:11434"}, sel)

	rec = e.do(t, http.MethodPost, "/api/v1/pools/inference/select", "")
	assert.Equal(t, http.StatusOK, rec.Code, "an empty body selects without constraints")

	rec = e.do(t, http.MethodPost, "/api/v1/pools/inference/select", `{"models": ["mixtral"]}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, ErrCodeNoCapacity, decodeError(t, rec).Error)

	rec = e.do(t, http.MethodPost, "/api/v1/pools/inference/members/ollama-1/report", `{"latency_ms": 120}`)
	require.Equal(t, http.StatusOK, rec.Code)
	m, ok := e.inference.Get("ollama-1")
	require.True(t, ok)
	assert.Positive(t, m.AvgLatency)

	rec = e.do(t, http.MethodPost, "/api/v1/pools/inference/members/ghost/report", `{"error": "boom"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/pools/gpu/select", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/pools", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pools struct {
		Pools []PoolView `json:"pools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pools))
	require.Len(t, pools.Pools, 2)
	assert.Equal(t, "nodes", pools.Pools[0].Name)
	assert.Len(t, pools.Pools[1].Members, 1)
}

func TestRateLimit(t *testing.T) {
	e := newTestEnv(t, WithRateLimiter(NewPerIPRateLimiter(1, 1)))

	rec := e.do(t, http.MethodGet, "/api/v1/workflows", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/workflows", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, ErrCodeRateLimited, decodeError(t, rec).Error)

	rec = e.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health checks are not limited")
}

type tokenVerifier map[string]*auth.Claims

func (v tokenVerifier) Verify(_ context.Context, token string) (*auth.Claims, error) {
	if c, ok := v[token]; ok {
		return c, nil
	}
	return nil, errors.New("unknown token")
}

func TestAuth(t *testing.T) {
	m := auth.NewMiddleware(tokenVerifier{
		"ops": {Subject: "ops", Roles: []string{"operator"}},
		"dev": {Subject: "dev"},
	}, &auth.MiddlewareConfig{
		Enabled:      true,
		OperatorRole: "operator",
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	e := newTestEnv(t, WithAuth(m))

	call := func(method, path, token, body string) *httptest.ResponseRecorder {
		var rdr io.Reader
		if body != "" {
			rdr = bytes.NewBufferString(body)
		}
		req := httptest.NewRequest(method, path, rdr)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		e.server.Router().ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/api/v1/workflows", "", "").Code)
	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/api/v1/workflows", "dev", "").Code)

	member := `{"name": "gpu-a", "address": "http://10.0.0.5:11434", "capabilities": {"models": ["llama3"]}}`
	assert.Equal(t, http.StatusForbidden, call(http.MethodPost, "/api/v1/pools/inference/members", "dev", member).Code)
	rec := call(http.MethodPost, "/api/v1/pools/inference/members", "ops", member)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 1, e.inference.Len())
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl := NewPerIPRateLimiter(10, 10)
	now := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("10.0.0.1"))
	now = now.Add(time.Minute)
	assert.True(t, rl.allow("10.0.0.2"))
	now = now.Add(rl.idle)

	assert.Equal(t, 1, rl.Sweep())
	assert.Len(t, rl.limiters, 1)
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t)
	e.handlers.config.CORSOrigins = []string{"https://ui.example"}

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/workflows", nil)
	req.Header.Set("Origin", "https://ui.example")
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://ui.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSubmitWorkflowRequest_Build(t *testing.T) {
	soft := false
	zero := 0
	req := SubmitWorkflowRequest{
		Name:          "pipeline",
		Description:   "nightly",
		ErrorStrategy: types.SkipFailed,
		Tasks: []TaskRequest{
			{ID: "fetch-1", Name: "fetch", Type: types.TaskTypeHTTP,
				Parameters: types.Parameters{HTTP: &types.HTTPParams{URL: "http://example"}}},
			{Name: "sum", Type: types.TaskTypeFunction, Dependencies: []string{"fetch-1"}, DependsOnSuccess: &soft,
				MaxRetries: &zero, Parameters: types.Parameters{Function: &types.FunctionParams{Name: "sum"}}},
		},
	}
	wf, ids, err := req.Build(3)
	require.NoError(t, err)

	assert.Equal(t, types.SkipFailed, wf.ErrorStrategy())
	assert.Equal(t, "fetch-1", ids["fetch"])
	sum, ok := wf.Task(ids["sum"])
	require.True(t, ok)
	assert.Equal(t, []string{"fetch-1"}, sum.Dependencies)
	assert.False(t, sum.DependsOnSuccess)
	assert.Zero(t, sum.MaxRetries)
	assert.Equal(t, "nightly", wf.Record().Metadata["description"])

	req.Tasks[0].Timeout = "later"
	_, _, err = req.Build(3)
	assert.Error(t, err)
}
