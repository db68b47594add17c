package domain

import (
	"math"
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// CancelledByUser is the fixed failure reason written on cancellation.
const CancelledByUser = "Cancelled by user"

// DefaultStepSeconds is assumed for steps the planner left unestimated.
const DefaultStepSeconds = 30

type Step struct {
	Description      string `json:"description"`
	Type             string `json:"type"`
	EstimatedSeconds int    `json:"estimated_seconds"`
}

type Strategy struct {
	Steps            []Step `json:"steps"`
	TotalSteps       int    `json:"total_steps"`
	EstimatedSeconds int    `json:"estimated_seconds"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ToolResult struct {
	Step   int       `json:"step"`
	Tool   string    `json:"tool"`
	Input  string    `json:"input,omitempty"`
	Output string    `json:"output,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// TaskContext accumulates what earlier steps produced. Findings are keyed
// by step and never removed; Messages may be compacted into Summary.
type TaskContext struct {
	Summary     string            `json:"summary,omitempty"`
	Findings    map[string]string `json:"findings"`
	ToolResults []ToolResult      `json:"tool_results,omitempty"`
	Messages    []Message         `json:"messages,omitempty"`
}

type Checkpoint struct {
	Step      int       `json:"step"`
	Summary   string    `json:"summary,omitempty"`
	Findings  int       `json:"findings"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskExecution is a goal decomposed into an ordered strategy of steps.
type TaskExecution struct {
	ID              string       `json:"id"`
	Owner           string       `json:"owner"`
	Goal            string       `json:"goal"`
	ToolSources     []string     `json:"tool_sources,omitempty"`
	Strategy        Strategy     `json:"strategy"`
	CurrentStep     int          `json:"current_step"`
	Context         TaskContext  `json:"context"`
	ToolCallHistory []ToolResult `json:"tool_call_history,omitempty"`
	Checkpoints     []Checkpoint `json:"checkpoints,omitempty"`
	RetryCount      int          `json:"retry_count"`
	Status          TaskStatus   `json:"status"`
	LastError       string       `json:"last_error,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
}

// Progress is round(currentStep/totalSteps*100).
func (t *TaskExecution) Progress() int {
	if t.Strategy.TotalSteps <= 0 {
		return 0
	}
	return int(math.Round(float64(t.CurrentStep) / float64(t.Strategy.TotalSteps) * 100))
}

// DisplayStep is the 1-indexed step shown to operators.
func (t *TaskExecution) DisplayStep() int {
	n := t.CurrentStep + 1
	if n > t.Strategy.TotalSteps {
		n = t.Strategy.TotalSteps
	}
	return n
}

type TraceType string

const (
	TraceDecision   TraceType = "decision"
	TraceToolCall   TraceType = "tool_call"
	TraceStepResult TraceType = "step_result"
	TraceCheckpoint TraceType = "checkpoint"
	TraceError      TraceType = "error"
)

type TaskTrace struct {
	ID        int64          `json:"id"`
	TaskID    string         `json:"task_id"`
	Type      TraceType      `json:"trace_type"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
