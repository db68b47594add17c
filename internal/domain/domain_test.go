package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskProgress(t *testing.T) {
	tests := []struct {
		current, total int
		progress       int
		display        int
	}{
		{0, 3, 0, 1},
		{1, 3, 33, 2},
		{2, 3, 67, 3},
		{3, 3, 100, 3},
		{0, 0, 0, 0},
	}
	for _, tt := range tests {
		task := TaskExecution{CurrentStep: tt.current, Strategy: Strategy{TotalSteps: tt.total}}
		assert.Equal(t, tt.progress, task.Progress(), "progress %d/%d", tt.current, tt.total)
		assert.Equal(t, tt.display, task.DisplayStep(), "display %d/%d", tt.current, tt.total)
	}
}

func TestValidationError(t *testing.T) {
	verr := NewValidationError()
	assert.NoError(t, verr.OrNil())

	verr.Add("name", "is required")
	verr.Add("name", "second message is ignored")
	verr.Add("goal", "is required")

	err := verr.OrNil()
	var got *ValidationError
	assert.True(t, errors.As(err, &got))
	assert.Equal(t, "is required", got.Fields["name"])
	assert.Equal(t, "validation failed: goal: is required; name: is required", err.Error())
}

func TestStateError(t *testing.T) {
	err := &StateError{Entity: "task", ID: "t1", Status: "completed", Op: "cancel"}
	assert.Equal(t, `cannot cancel task t1 in status "completed"`, err.Error())
}

func TestStatuses(t *testing.T) {
	assert.True(t, TaskCompleted.IsTerminal())
	assert.False(t, TaskPaused.IsTerminal())
	assert.True(t, SessionFailed.IsTerminal())
	assert.True(t, SessionExecuting.IsActive())
	assert.False(t, SessionPaused.IsActive())
	assert.True(t, ExecutionSuccess.IsTerminal())
	assert.False(t, ExecutionRunning.IsTerminal())
}

func TestIntervalUnitDuration(t *testing.T) {
	assert.Equal(t, 7*24*time.Hour, UnitWeeks.Duration())
	assert.Zero(t, IntervalUnit("fortnights").Duration())
}
