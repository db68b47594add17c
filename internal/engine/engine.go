// Package engine declares the external reasoning and execution capability
// the scheduler, orchestrator and autonomous loop depend on.
package engine

import (
	"context"
	"time"

	"agentflow/internal/domain"
	"agentflow/internal/tools"
)

type Request struct {
	// Goal is the overall objective; empty for one-shot scheduled prompts.
	Goal    string
	Prompt  string
	Context *domain.TaskContext
	Tools   *tools.Registry
}

// Result is what one execution produced. Success=false with Error set is a
// failed run the engine reported; a non-nil error from Execute means the
// engine could not be reached or answered malformed data.
type Result struct {
	Success     bool
	Output      string
	Error       string
	ThreadID    string
	Duration    time.Duration
	ToolResults []domain.ToolResult
	Messages    []domain.Message
}

type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

type EvaluateRequest struct {
	Goal         string
	Iteration    int
	Observations []domain.AutonomousObservation
}

type PlanRequest struct {
	Goal         string
	Evaluation   domain.ProgressEvaluation
	Observations []domain.AutonomousObservation
	Tools        []string
}

type Planner interface {
	Decompose(ctx context.Context, goal string, tools []string) (domain.Strategy, error)
	Evaluate(ctx context.Context, req EvaluateRequest) (domain.ProgressEvaluation, error)
	Plan(ctx context.Context, req PlanRequest) (domain.ActionPlan, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, goal string, messages []domain.Message) (string, error)
}

// Engine bundles the three capabilities; remote.Client implements it.
type Engine interface {
	Executor
	Planner
	Summarizer
}
