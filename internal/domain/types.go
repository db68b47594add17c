package domain

import "time"

type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
)

type IntervalUnit string

const (
	UnitMinutes IntervalUnit = "minutes"
	UnitHours   IntervalUnit = "hours"
	UnitDays    IntervalUnit = "days"
	UnitWeeks   IntervalUnit = "weeks"
)

// Duration returns the length of one unit, or 0 for an unknown unit.
func (u IntervalUnit) Duration() time.Duration {
	switch u {
	case UnitMinutes:
		return time.Minute
	case UnitHours:
		return time.Hour
	case UnitDays:
		return 24 * time.Hour
	case UnitWeeks:
		return 7 * 24 * time.Hour
	}
	return 0
}

// ScheduleSpec is either a cron expression or a fixed interval. Only the
// fields of the matching kind are meaningful.
type ScheduleSpec struct {
	Kind       ScheduleKind `json:"kind"`
	Expression string       `json:"expression,omitempty"`
	Value      int          `json:"value,omitempty"`
	Unit       IntervalUnit `json:"unit,omitempty"`
}

func CronSpec(expr string) ScheduleSpec {
	return ScheduleSpec{Kind: ScheduleCron, Expression: expr}
}

func IntervalSpec(value int, unit IntervalUnit) ScheduleSpec {
	return ScheduleSpec{Kind: ScheduleInterval, Value: value, Unit: unit}
}

// ScheduledTask is a recurring prompt owned by one account.
type ScheduledTask struct {
	ID        string       `json:"id"`
	Owner     string       `json:"owner"`
	Name      string       `json:"name"`
	Prompt    string       `json:"prompt"`
	Spec      ScheduleSpec `json:"schedule"`
	Enabled   bool         `json:"enabled"`
	LastRunAt *time.Time   `json:"last_run_at,omitempty"`
	NextRunAt *time.Time   `json:"next_run_at,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "pending"
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionSuccess || s == ExecutionFailed
}

type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// ScheduledExecution records one run attempt of a ScheduledTask.
type ScheduledExecution struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	Owner       string          `json:"owner"`
	Trigger     Trigger         `json:"trigger"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
	Error       string          `json:"error,omitempty"`
	ThreadID    string          `json:"thread_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
