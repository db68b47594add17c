package domain

import "time"

type SessionStatus string

const (
	SessionPlanning  SessionStatus = "planning"
	SessionExecuting SessionStatus = "executing"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// IsActive reports whether the loop may run iterations in this status.
func (s SessionStatus) IsActive() bool {
	return s == SessionPlanning || s == SessionExecuting
}

type AutonomousSession struct {
	ID                 string        `json:"id"`
	Owner              string        `json:"owner"`
	Name               string        `json:"name"`
	Goal               string        `json:"goal"`
	Status             SessionStatus `json:"status"`
	MaxIterations      int           `json:"max_iterations"`
	CurrentIteration   int           `json:"current_iteration"`
	ProgressPercentage int           `json:"progress_percentage"`
	LastError          string        `json:"last_error,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	LastActivityAt     *time.Time    `json:"last_activity_at,omitempty"`
}

type IterationPhase string

const (
	PhaseEvaluating IterationPhase = "evaluating"
	PhasePlanning   IterationPhase = "planning"
	PhaseExecuting  IterationPhase = "executing"
	PhaseObserving  IterationPhase = "observing"
)

type ProgressEvaluation struct {
	GoalAchieved       bool     `json:"goal_achieved"`
	ProgressPercentage int      `json:"progress_percentage"`
	Blockers           []string `json:"blockers,omitempty"`
	Recommendations    []string `json:"recommendations,omitempty"`
	ShouldContinue     bool     `json:"should_continue"`
	Summary            string   `json:"summary,omitempty"`
}

type ActionPlan struct {
	Action          string `json:"action"`
	Rationale       string `json:"rationale"`
	ExpectedOutcome string `json:"expected_outcome"`
}

type ActionResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

type AutonomousIteration struct {
	ID          string              `json:"id"`
	SessionID   string              `json:"session_id"`
	Number      int                 `json:"iteration_number"`
	Phase       IterationPhase      `json:"phase"`
	Evaluation  *ProgressEvaluation `json:"evaluation,omitempty"`
	Plan        *ActionPlan         `json:"plan,omitempty"`
	Result      *ActionResult       `json:"result,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	DurationMs  int64               `json:"duration_ms"`
}

type ObservationType string

const (
	ObservationEvaluation       ObservationType = "evaluation"
	ObservationPlanning         ObservationType = "planning"
	ObservationExecution        ObservationType = "execution"
	ObservationToolCall         ObservationType = "tool_call"
	ObservationError            ObservationType = "error"
	ObservationUserIntervention ObservationType = "user_intervention"
)

type AutonomousObservation struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	IterationID string          `json:"iteration_id,omitempty"`
	Type        ObservationType `json:"type"`
	Content     string          `json:"content"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
