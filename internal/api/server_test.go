package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/internal/autonomous"
	"agentflow/internal/domain"
	"agentflow/internal/engine/enginetest"
	"agentflow/internal/metrics"
	"agentflow/internal/orchestrator"
	"agentflow/internal/queue"
	"agentflow/internal/scheduler"
	"agentflow/internal/sqlitedb"
	"agentflow/internal/store"
	"agentflow/internal/tools"
)

func noop(context.Context, json.RawMessage) (string, error) { return "", nil }

type fixture struct {
	srv *httptest.Server
	eng *enginetest.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := sqlitedb.OpenTest(t)
	require.NoError(t, store.EnsureSchema(db))
	require.NoError(t, queue.EnsureSchema(db))
	st := store.NewSQLite(db)
	q := queue.NewSQLite(db)
	eng := &enginetest.Fake{}
	catalog := tools.Catalog{
		"alpha": {Name: "alpha", Tools: []tools.Tool{{Name: "search", Handler: noop}}},
		"beta":  {Name: "beta", Tools: []tools.Tool{{Name: "search", Handler: noop}}},
	}
	reg := prometheus.NewRegistry()

	h := NewServer(Deps{
		Schedules: scheduler.NewService(st, q, eng, scheduler.Config{}),
		Tasks:     orchestrator.New(st, q, eng, catalog, orchestrator.Config{}),
		Sessions:  autonomous.NewService(st, q, eng, autonomous.Config{}),
		Jobs:      q,
		Keys: []Key{
			{Key: "alice-key", Owner: "alice"},
			{Key: "bob-key", Owner: "bob"},
			{Key: "tight-key", Owner: "carol", RateLimit: 2},
		},
		Metrics:  metrics.New("agentflow", reg),
		Gatherer: reg,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, eng: eng}
}

func (f *fixture) do(t *testing.T, key, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, "", http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, "", http.MethodGet, "/api/schedules", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["error"])

	resp, _ = f.do(t, "wrong", http.MethodGet, "/api/schedules", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, "alice-key", http.MethodGet, "/api/schedules", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimitHeaders(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, "tight-key", http.MethodGet, "/api/sessions", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))

	resp, _ = f.do(t, "tight-key", http.MethodGet, "/api/sessions", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, "tight-key", http.MethodGet, "/api/sessions", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", body["error"])
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// limits are per key
	resp, _ = f.do(t, "alice-key", http.MethodGet, "/api/sessions", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestScheduleLifecycle(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, "alice-key", http.MethodPost, "/api/schedules",
		`{"name":"digest","prompt":"summarize inbox","schedule":{"kind":"interval","value":30,"unit":"minutes"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["id"].(string)
	assert.NotEmpty(t, body["next_run_at"])

	resp, _ = f.do(t, "bob-key", http.MethodGet, "/api/schedules/"+id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, "alice-key", http.MethodPut, "/api/schedules/"+id, `{"enabled":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["enabled"])

	resp, body = f.do(t, "alice-key", http.MethodPost, "/api/schedules/"+id+"/run", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "manual", body["trigger"])

	resp, _ = f.do(t, "alice-key", http.MethodDelete, "/api/schedules/"+id, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, "alice-key", http.MethodGet, "/api/schedules/"+id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScheduleValidation(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, "alice-key", http.MethodPost, "/api/schedules",
		`{"name":"bad","prompt":"p","schedule":{"kind":"cron","expression":"not cron"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_failed", body["error"])
	assert.Contains(t, body["fields"], "schedule.expression")

	resp, body = f.do(t, "alice-key", http.MethodPost, "/api/schedules", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_json", body["error"])
}

func TestTaskEndpoints(t *testing.T) {
	f := newFixture(t)
	f.eng.DecomposeFunc = func(context.Context, string, []string) (domain.Strategy, error) {
		return enginetest.Steps("one", "two"), nil
	}

	resp, body := f.do(t, "alice-key", http.MethodPost, "/api/tasks", `{"goal":"audit deps"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["id"].(string)
	assert.Equal(t, "pending", body["status"])

	resp, body = f.do(t, "alice-key", http.MethodGet, "/api/tasks/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["progress"])
	assert.EqualValues(t, 1, body["display_step"])
	assert.NotEmpty(t, body["traces"])

	resp, body = f.do(t, "alice-key", http.MethodPost, "/api/tasks/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.CancelledByUser, body["last_error"])

	resp, body = f.do(t, "alice-key", http.MethodPost, "/api/tasks/"+id+"/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "failed", body["status"])
}

func TestTaskErrors(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, "alice-key", http.MethodPost, "/api/tasks", `{"goal":"g","tool_sources":["alpha","beta"]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "tool_collision", body["error"])
	assert.Equal(t, "search", body["tool"])

	f.eng.DecomposeFunc = func(context.Context, string, []string) (domain.Strategy, error) {
		return domain.Strategy{}, enginetest.ErrUnavailable
	}
	resp, body = f.do(t, "alice-key", http.MethodPost, "/api/tasks", `{"goal":"g"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "decomposition_failed", body["error"])

	resp, body = f.do(t, "alice-key", http.MethodPost, "/api/tasks", `{"goal":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_failed", body["error"])
}

func TestJobsAreScopedToOwner(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, "alice-key", http.MethodPost, "/api/sessions", `{"goal":"ship it"}`)
	session := body["id"].(string)
	_, body = f.do(t, "alice-key", http.MethodPost, "/api/tasks", `{"goal":"audit deps"}`)
	task := body["id"].(string)
	_, body = f.do(t, "alice-key", http.MethodPost, "/api/schedules",
		`{"name":"digest","prompt":"summarize inbox","schedule":{"kind":"interval","value":30,"unit":"minutes"}}`)
	sched := body["id"].(string)
	_, body = f.do(t, "alice-key", http.MethodPost, "/api/schedules/"+sched+"/run", "")
	exec := body["id"].(string)

	for _, id := range []string{
		"session:" + session,
		"task:" + task + ":step:0",
		"schedule:" + sched,
		"manual:" + exec,
	} {
		t.Run(id, func(t *testing.T) {
			resp, _ := f.do(t, "alice-key", http.MethodGet, "/api/jobs/"+id, "")
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			resp, body := f.do(t, "bob-key", http.MethodGet, "/api/jobs/"+id, "")
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
			assert.Nil(t, body["job"])
		})
	}
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, "alice-key", http.MethodPost, "/api/sessions", `{"goal":"ship it","max_iterations":3}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["id"].(string)
	assert.Equal(t, "planning", body["status"])

	resp, body = f.do(t, "alice-key", http.MethodGet, "/api/jobs/session:"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := body["job"].(map[string]any)
	assert.Equal(t, autonomous.KindSession, job["kind"])

	resp, body = f.do(t, "alice-key", http.MethodPatch, "/api/sessions/"+id, `{"max_iterations":500}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["fields"], "max_iterations")

	resp, _ = f.do(t, "alice-key", http.MethodPost, "/api/sessions/"+id+"/continue", `{"feedback":"look at CI first"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = f.do(t, "alice-key", http.MethodPost, "/api/sessions/"+id+"/continue", `{"unknown":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, "alice-key", http.MethodPost, "/api/sessions/"+id+"/cancel", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, "alice-key", http.MethodPost, "/api/sessions/"+id+"/continue", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "failed", body["status"])

	resp, _ = f.do(t, "bob-key", http.MethodGet, "/api/sessions/"+id+"/observations", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, "alice-key", http.MethodGet, "/api/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, "alice-key", http.MethodGet, "/api/sessions", "")

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), `agentflow_rate_limit_decisions_total{allowed="true"} 1`)
}
