package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/internal/domain"
	"agentflow/internal/engine"
	"agentflow/internal/tools"
)

func TestExecuteRunsToolCalls(t *testing.T) {
	turns := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/execute", r.URL.Path)
		var req executeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		turns++
		switch turns {
		case 1:
			assert.Equal(t, "count files", req.Prompt)
			require.Len(t, req.Tools, 1)
			assert.Equal(t, "lookup", req.Tools[0].Name)
			_ = json.NewEncoder(w).Encode(executeResponse{
				ThreadID:  "th-1",
				ToolCalls: []toolCall{{ID: "c1", Name: "lookup", Input: json.RawMessage(`{"k":"v"}`)}},
			})
		default:
			assert.Equal(t, "th-1", req.ThreadID)
			require.Len(t, req.ToolOutputs, 1)
			assert.Equal(t, "c1", req.ToolOutputs[0].CallID)
			assert.Equal(t, "found", req.ToolOutputs[0].Output)
			_ = json.NewEncoder(w).Encode(executeResponse{
				Success: true, Output: "42 files", ThreadID: "th-1",
				Messages: []domain.Message{{Role: "assistant", Content: "42 files"}},
			})
		}
	}))
	defer srv.Close()

	reg, err := tools.Compose(tools.Source{Name: "kv", Tools: []tools.Tool{{
		Name:    "lookup",
		Handler: func(context.Context, json.RawMessage) (string, error) { return "found", nil },
	}}})
	require.NoError(t, err)

	c := New(srv.URL, WithHTTPClient(srv.Client()))
	res, err := c.Execute(context.Background(), engine.Request{Prompt: "count files", Tools: reg})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "42 files", res.Output)
	assert.Equal(t, "th-1", res.ThreadID)
	require.Len(t, res.ToolResults, 1)
	assert.Equal(t, "lookup", res.ToolResults[0].Tool)
	assert.Equal(t, "found", res.ToolResults[0].Output)
	assert.Len(t, res.Messages, 1)
	assert.Equal(t, 2, turns)
}

func TestExecuteStopsAfterMaxTurns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(executeResponse{ToolCalls: []toolCall{{ID: "x", Name: "missing"}}})
	}))
	defer srv.Close()

	c := New(srv.URL, WithHTTPClient(srv.Client()), WithMaxTurns(2))
	res, err := c.Execute(context.Background(), engine.Request{Prompt: "loop"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "exceeded 2")
	require.Len(t, res.ToolResults, 2)
	assert.NotEmpty(t, res.ToolResults[0].Error)
}

func TestExecuteReportedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(executeResponse{Success: false})
	}))
	defer srv.Close()

	res, err := New(srv.URL, WithHTTPClient(srv.Client())).Execute(context.Background(), engine.Request{Prompt: "p"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "engine reported failure", res.Error)
}

func TestHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, WithHTTPClient(srv.Client()))
	_, err := c.Execute(context.Background(), engine.Request{Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	_, err = c.Decompose(context.Background(), "g", nil)
	assert.Error(t, err)
}

func TestPlannerEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		switch r.URL.Path {
		case "/v1/decompose":
			assert.Equal(t, "summarize repo", in["goal"])
			_, _ = w.Write([]byte(`{"steps":[{"description":"list","type":"research"},{"description":"write","type":"write","estimated_seconds":60}]}`))
		case "/v1/evaluate":
			assert.EqualValues(t, 3, in["iteration"])
			_, _ = w.Write([]byte(`{"goal_achieved":false,"progress_percentage":40,"should_continue":true,"blockers":["rate limit"]}`))
		case "/v1/plan":
			_, _ = w.Write([]byte(`{"action":"search docs","rationale":"missing info","expected_outcome":"links"}`))
		case "/v1/summarize":
			_, _ = w.Write([]byte(`{"summary":"short"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", WithHTTPClient(srv.Client()))
	ctx := context.Background()

	st, err := c.Decompose(ctx, "summarize repo", []string{"run_command"})
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalSteps)
	assert.Equal(t, 60, st.Steps[1].EstimatedSeconds)

	ev, err := c.Evaluate(ctx, engine.EvaluateRequest{Goal: "g", Iteration: 3})
	require.NoError(t, err)
	assert.Equal(t, 40, ev.ProgressPercentage)
	assert.True(t, ev.ShouldContinue)
	assert.Equal(t, []string{"rate limit"}, ev.Blockers)

	plan, err := c.Plan(ctx, engine.PlanRequest{Goal: "g", Evaluation: ev})
	require.NoError(t, err)
	assert.Equal(t, "search docs", plan.Action)

	sum, err := c.Summarize(ctx, "g", []domain.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "short", sum)
}
