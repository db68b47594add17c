// Package remote talks to the reasoning engine over HTTP JSON.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agentflow/internal/domain"
	"agentflow/internal/engine"
	"agentflow/internal/tools"
)

const DefaultMaxTurns = 8

type Client struct {
	base     string
	http     *http.Client
	maxTurns int
	log      zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithMaxTurns(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTurns = n
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:     strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 5 * time.Minute},
		maxTurns: DefaultMaxTurns,
		log:      log.With().Str("component", "engine").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ engine.Engine = (*Client)(nil)

type toolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type toolOutput struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

type executeRequest struct {
	Goal        string              `json:"goal,omitempty"`
	Prompt      string              `json:"prompt"`
	Context     *domain.TaskContext `json:"context,omitempty"`
	Tools       []tools.Tool        `json:"tools,omitempty"`
	ThreadID    string              `json:"thread_id,omitempty"`
	ToolOutputs []toolOutput        `json:"tool_outputs,omitempty"`
}

type executeResponse struct {
	Success   bool             `json:"success"`
	Output    string           `json:"output"`
	Error     string           `json:"error"`
	ThreadID  string           `json:"thread_id"`
	Messages  []domain.Message `json:"messages"`
	ToolCalls []toolCall       `json:"tool_calls"`
}

// Execute runs a prompt. While the engine answers with tool calls the client
// runs them through req.Tools and sends the outputs back, up to maxTurns.
func (c *Client) Execute(ctx context.Context, req engine.Request) (engine.Result, error) {
	start := time.Now()
	body := executeRequest{Goal: req.Goal, Prompt: req.Prompt, Context: req.Context, Tools: req.Tools.Tools()}
	var res engine.Result

	for turn := 0; turn < c.maxTurns; turn++ {
		var out executeResponse
		if err := c.post(ctx, "/v1/execute", body, &out); err != nil {
			return engine.Result{}, err
		}
		res.ThreadID = out.ThreadID
		res.Messages = append(res.Messages, out.Messages...)
		if len(out.ToolCalls) == 0 {
			res.Success = out.Success
			res.Output = out.Output
			res.Error = out.Error
			if !res.Success && res.Error == "" {
				res.Error = "engine reported failure"
			}
			res.Duration = time.Since(start)
			return res, nil
		}

		body.ThreadID = out.ThreadID
		body.ToolOutputs = body.ToolOutputs[:0]
		for _, call := range out.ToolCalls {
			tr := domain.ToolResult{Tool: call.Name, Input: string(call.Input), At: time.Now().UTC()}
			output, err := req.Tools.Call(ctx, call.Name, call.Input)
			tr.Output = output
			to := toolOutput{CallID: call.ID, Name: call.Name, Output: output}
			if err != nil {
				tr.Error = err.Error()
				to.Error = err.Error()
			}
			c.log.Debug().Str("tool", call.Name).Bool("ok", err == nil).Msg("tool call")
			res.ToolResults = append(res.ToolResults, tr)
			body.ToolOutputs = append(body.ToolOutputs, to)
		}
	}
	res.Error = fmt.Sprintf("exceeded %d tool turns", c.maxTurns)
	res.Duration = time.Since(start)
	return res, nil
}

type decomposeResponse struct {
	Steps []domain.Step `json:"steps"`
}

func (c *Client) Decompose(ctx context.Context, goal string, toolNames []string) (domain.Strategy, error) {
	var out decomposeResponse
	err := c.post(ctx, "/v1/decompose", map[string]any{"goal": goal, "tools": toolNames}, &out)
	if err != nil {
		return domain.Strategy{}, err
	}
	return domain.Strategy{Steps: out.Steps, TotalSteps: len(out.Steps)}, nil
}

func (c *Client) Evaluate(ctx context.Context, req engine.EvaluateRequest) (domain.ProgressEvaluation, error) {
	var out domain.ProgressEvaluation
	err := c.post(ctx, "/v1/evaluate", map[string]any{
		"goal": req.Goal, "iteration": req.Iteration, "observations": req.Observations,
	}, &out)
	return out, err
}

func (c *Client) Plan(ctx context.Context, req engine.PlanRequest) (domain.ActionPlan, error) {
	var out domain.ActionPlan
	err := c.post(ctx, "/v1/plan", map[string]any{
		"goal": req.Goal, "evaluation": req.Evaluation, "observations": req.Observations, "tools": req.Tools,
	}, &out)
	return out, err
}

func (c *Client) Summarize(ctx context.Context, goal string, messages []domain.Message) (string, error) {
	var out struct {
		Summary string `json:"summary"`
	}
	if err := c.post(ctx, "/v1/summarize", map[string]any{"goal": goal, "messages": messages}, &out); err != nil {
		return "", err
	}
	return out.Summary, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create engine request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("engine %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("engine %s: read body: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("engine %s: HTTP %d: %s", path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("engine %s: decode response: %w", path, err)
	}
	return nil
}
