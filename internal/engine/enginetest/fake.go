// Package enginetest provides a scriptable engine for tests.
package enginetest

import (
	"context"
	"errors"
	"sync"

	"agentflow/internal/domain"
	"agentflow/internal/engine"
)

// Fake implements engine.Engine. Nil funcs fall back to a successful
// default. Calls are recorded for assertions.
type Fake struct {
	ExecuteFunc   func(ctx context.Context, req engine.Request) (engine.Result, error)
	DecomposeFunc func(ctx context.Context, goal string, tools []string) (domain.Strategy, error)
	EvaluateFunc  func(ctx context.Context, req engine.EvaluateRequest) (domain.ProgressEvaluation, error)
	PlanFunc      func(ctx context.Context, req engine.PlanRequest) (domain.ActionPlan, error)
	SummarizeFunc func(ctx context.Context, goal string, messages []domain.Message) (string, error)

	mu        sync.Mutex
	executed  []engine.Request
	evaluated []engine.EvaluateRequest
}

var _ engine.Engine = (*Fake)(nil)

var ErrUnavailable = errors.New("engine unavailable")

func (f *Fake) Execute(ctx context.Context, req engine.Request) (engine.Result, error) {
	f.mu.Lock()
	f.executed = append(f.executed, req)
	f.mu.Unlock()
	if f.ExecuteFunc != nil {
		return f.ExecuteFunc(ctx, req)
	}
	return engine.Result{Success: true, Output: "ok: " + req.Prompt, ThreadID: "thread-1"}, nil
}

func (f *Fake) Decompose(ctx context.Context, goal string, tools []string) (domain.Strategy, error) {
	if f.DecomposeFunc != nil {
		return f.DecomposeFunc(ctx, goal, tools)
	}
	return Steps("do it"), nil
}

func (f *Fake) Evaluate(ctx context.Context, req engine.EvaluateRequest) (domain.ProgressEvaluation, error) {
	f.mu.Lock()
	f.evaluated = append(f.evaluated, req)
	f.mu.Unlock()
	if f.EvaluateFunc != nil {
		return f.EvaluateFunc(ctx, req)
	}
	return domain.ProgressEvaluation{ShouldContinue: true}, nil
}

func (f *Fake) Plan(ctx context.Context, req engine.PlanRequest) (domain.ActionPlan, error) {
	if f.PlanFunc != nil {
		return f.PlanFunc(ctx, req)
	}
	return domain.ActionPlan{Action: "next", Rationale: "continue", ExpectedOutcome: "progress"}, nil
}

func (f *Fake) Summarize(ctx context.Context, goal string, messages []domain.Message) (string, error) {
	if f.SummarizeFunc != nil {
		return f.SummarizeFunc(ctx, goal, messages)
	}
	return "summary", nil
}

// Executed returns the requests Execute received, in order.
func (f *Fake) Executed() []engine.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Request(nil), f.executed...)
}

// Evaluated returns the requests Evaluate received, in order.
func (f *Fake) Evaluated() []engine.EvaluateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.EvaluateRequest(nil), f.evaluated...)
}

// Steps builds an unestimated strategy with one research step per description.
func Steps(descs ...string) domain.Strategy {
	st := domain.Strategy{TotalSteps: len(descs)}
	for _, d := range descs {
		st.Steps = append(st.Steps, domain.Step{Description: d, Type: "research"})
	}
	return st
}
