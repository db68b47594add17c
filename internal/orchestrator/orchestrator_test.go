package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/internal/domain"
	"agentflow/internal/engine"
	"agentflow/internal/engine/enginetest"
	"agentflow/internal/queue"
	"agentflow/internal/sqlitedb"
	"agentflow/internal/store"
	"agentflow/internal/tools"
	"agentflow/internal/worker"
)

type fixture struct {
	orch  *Orchestrator
	store *store.SQLite
	queue *queue.SQLite
	eng   *enginetest.Fake
}

func search() tools.Tool {
	return tools.Tool{Name: "search", Handler: func(context.Context, json.RawMessage) (string, error) { return "", nil }}
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db := sqlitedb.OpenTest(t)
	require.NoError(t, store.EnsureSchema(db))
	require.NoError(t, queue.EnsureSchema(db))
	catalog := tools.Catalog{
		"shell": tools.Shell(nil),
		"alpha": {Name: "alpha", Tools: []tools.Tool{search()}},
		"beta":  {Name: "beta", Tools: []tools.Tool{search()}},
	}
	f := &fixture{store: store.NewSQLite(db), queue: queue.NewSQLite(db), eng: &enginetest.Fake{}}
	f.orch = New(f.store, f.queue, f.eng, catalog, cfg)
	return f
}

func (f *fixture) runStep(t *testing.T, taskID string, step int) error {
	t.Helper()
	job, err := f.queue.Get(context.Background(), stepJobID(taskID, step))
	require.NoError(t, err)
	return f.orch.HandleStep(context.Background(), job)
}

func (f *fixture) task(t *testing.T, id string) domain.TaskExecution {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestCreateFillsEstimatesAndQueuesFirstStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.eng.DecomposeFunc = func(_ context.Context, goal string, names []string) (domain.Strategy, error) {
		assert.Equal(t, "summarize repo", goal)
		assert.Equal(t, []string{"run_command"}, names)
		st := enginetest.Steps("list files", "read", "write")
		st.Steps[2].EstimatedSeconds = 120
		return st, nil
	}

	task, err := f.orch.Create(ctx, "alice", CreateInput{Goal: "summarize repo", ToolSources: []string{"shell"}})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, task.Status)
	assert.Equal(t, 3, task.Strategy.TotalSteps)
	assert.Equal(t, 30, task.Strategy.Steps[0].EstimatedSeconds)
	assert.Equal(t, 180, task.Strategy.EstimatedSeconds)

	job, err := f.queue.Get(ctx, stepJobID(task.ID, 0))
	require.NoError(t, err)
	assert.Equal(t, KindStep, job.Kind)
	assert.Equal(t, task.ID, job.Ref)

	traces, err := f.store.ListTraces(ctx, task.ID, 0)
	require.NoError(t, err)
	require.Len(t, traces, 2)
	assert.Equal(t, "Task created with 3 steps", traces[0].Message)
	assert.Equal(t, "Step 1 queued", traces[1].Message)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.orch.Create(context.Background(), "alice", CreateInput{Goal: "  ", ToolSources: []string{"nope"}})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "goal")
	assert.Contains(t, verr.Fields, "tool_sources")
}

func TestCreateRejectsToolCollision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	called := false
	f.eng.DecomposeFunc = func(context.Context, string, []string) (domain.Strategy, error) {
		called = true
		return enginetest.Steps("x"), nil
	}

	_, err := f.orch.Create(ctx, "alice", CreateInput{Goal: "g", ToolSources: []string{"alpha", "beta"}})
	var ce *tools.CollisionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "search", ce.Tool)
	assert.Equal(t, "alpha", ce.First)
	assert.Equal(t, "beta", ce.Second)
	assert.False(t, called)

	list, err := f.orch.List(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateDecompositionFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.eng.DecomposeFunc = func(context.Context, string, []string) (domain.Strategy, error) {
		return domain.Strategy{}, enginetest.ErrUnavailable
	}

	task, err := f.orch.Create(ctx, "alice", CreateInput{Goal: "g"})
	require.ErrorIs(t, err, ErrDecomposition)
	assert.Equal(t, domain.TaskFailed, task.Status)
	assert.Equal(t, domain.TaskFailed, f.task(t, task.ID).Status)
	_, err = f.queue.Get(ctx, stepJobID(task.ID, 0))
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestProgressAfterFirstStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.eng.DecomposeFunc = func(context.Context, string, []string) (domain.Strategy, error) {
		return enginetest.Steps("a", "b", "c"), nil
	}
	task, err := f.orch.Create(ctx, "alice", CreateInput{Goal: "summarize repo"})
	require.NoError(t, err)

	require.NoError(t, f.runStep(t, task.ID, 0))

	st, err := f.orch.Status(ctx, "alice", task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, st.Status)
	assert.Equal(t, 1, st.CurrentStep)
	assert.Equal(t, 2, st.DisplayStep)
	assert.Equal(t, 33, st.Progress)
	assert.NotEmpty(t, st.Traces)

	_, err = f.queue.Get(ctx, stepJobID(task.ID, 1))
	require.NoError(t, err)
}

func TestRunToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.eng.DecomposeFunc = func(context.Context, string, []string) (domain.Strategy, error) {
		return enginetest.Steps("a", "b", "c"), nil
	}
	f.eng.ExecuteFunc = func(_ context.Context, req engine.Request) (engine.Result, error) {
		require.NotNil(t, req.Context)
		return engine.Result{
			Success:     true,
			Output:      "found",
			ToolResults: []domain.ToolResult{{Tool: "run_command", Output: "ok"}},
			Messages:    []domain.Message{{Role: "assistant", Content: "done"}},
		}, nil
	}
	task, err := f.orch.Create(ctx, "alice", CreateInput{Goal: "summarize repo"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.runStep(t, task.ID, i))
	}

	got := f.task(t, task.ID)
	assert.Equal(t, domain.TaskCompleted, got.Status)
	assert.Equal(t, 3, got.CurrentStep)
	assert.Equal(t, 100, got.Progress())
	assert.Equal(t, 3, got.DisplayStep())
	assert.Len(t, got.Context.Findings, 3)
	assert.Len(t, got.ToolCallHistory, 3)
	assert.Equal(t, 2, got.ToolCallHistory[2].Step)
	assert.Len(t, got.Checkpoints, 3)
	assert.NotNil(t, got.CompletedAt)

	reqs := f.eng.Executed()
	require.Len(t, reqs, 3)
	assert.Contains(t, reqs[1].Prompt, "Step 2 of 3")
}

func TestStaleStepIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	task, err := f.orch.Create(ctx, "alice", CreateInput{Goal: "g"})
	require.NoError(t, err)

	job := queue.Job{ID: stepJobID(task.ID, 3), Kind: KindStep, Ref: task.ID, Payload: []byte(`{"step":3}`)}
	assert.ErrorIs(t, f.orch.HandleStep(ctx, job), worker.ErrSkip)
	assert.Empty(t, f.eng.Executed())
}

func TestRetryBoundThenFail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxRetries: 2})
	f.eng.ExecuteFunc = func(context.Context, engine.Request) (engine.Result, error) {
		return engine.Result{}, enginetest.ErrUnavailable
	}
	task, err := f.orch.Create(ctx, "alice", CreateInput{Goal: "g"})
	require.NoError(t, err)

	for want := 1; want <= 2; want++ {
		require.NoError(t, f.runStep(t, task.ID, 0))
		got := f.task(t, task.ID)
		assert.Equal(t, domain.TaskRunning, got.Status)
		assert.Equal(t, want, got.RetryCount)
		assert.Equal(t, enginetest.ErrUnavailable.Error(), got.LastError)
	}

	require.NoError(t, f.runStep(t, task.ID, 0))
	got := f.task(t, task.ID)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, 0, got.CurrentStep)

	assert.ErrorIs(t, f.runStep(t, task.ID, 0), worker.ErrSkip)
	assert.Len(t, f.eng.Executed(), 3)
}

func TestZeroRetriesFailsOnFirstError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxRetries: 0})
	f.eng.ExecuteFunc = func(context.Context, engine.Request) (engine.Result, error) {
		return engine.Result{Success: false, Error: "boom"}, nil
	}
	task, err := f.orch.Create(ctx, "alice", CreateInput{Goal: "g"})
	require.NoError(t, err)

	require.NoError(t, f.runStep(t, task.ID, 0))
	got := f.task(t, task.ID)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, "boom", got.LastError)
	assert.Len(t, f.eng.Executed(), 1)
}

func TestRetryCountResetsAfterSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxRetries: DefaultMaxRetries})
	f.eng.DecomposeFunc = func(context.Context, string, []string) (domain.Strategy, error) {
		return enginetest.Steps("a", "b"), nil
	}
	calls := 0
	f.eng.ExecuteFunc = func(context.Context, engine.Request) (engine.Result, error) {
		calls++
		if calls == 1 {
			return engine.Result{Success: false, Error: "flaky"}, nil
		}
		return engine.Result{Success: true, Output: "ok"}, nil
	}
	task, err := f.orch.Create(ctx, "alice", CreateInput{Goal: "g"})
	require.NoError(t, err)

	require.NoError(t, f.runStep(t, task.ID, 0))
	assert.Equal(t, 1, f.task(t, task.ID).RetryCount)

	require.NoError(t, f.runStep(t, task.ID, 0))
	got := f.task(t, task.ID)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Empty(t, got.LastError)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("completed is a conflict", func(t *testing.T) {
		f := newFixture(t, Config{})
		task, err := f.orch.Create(ctx, "alice", CreateInput{Goal: "g"})
		require.NoError(t, err)
		require.NoError(t, f.runStep(t, task.ID, 0))
		require.Equal(t, domain.TaskCompleted, f.task(t, task.ID).Status)

		_, err = f.orch.Cancel(ctx, "alice", task.ID)
		var serr *domain.StateError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, "completed", serr.Status)
	})

	t.Run("running becomes failed", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.eng.DecomposeFunc = func(context.Context, string, []string) (domain.Strategy, error) {
			return enginetest.Steps("a", "b"), nil
		}
		task, err := f.orch.Create(ctx, "alice", CreateInput{Goal: "g"})
		require.NoError(t, err)
		require.NoError(t, f.runStep(t, task.ID, 0))
		require.Equal(t, domain.TaskRunning, f.task(t, task.ID).Status)

		got, err := f.orch.Cancel(ctx, "alice", task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskFailed, got.Status)
		assert.Equal(t, domain.CancelledByUser, got.LastError)
		assert.Equal(t, domain.CancelledByUser, f.task(t, task.ID).LastError)

		_, err = f.queue.Get(ctx, stepJobID(task.ID, 1))
		assert.ErrorIs(t, err, queue.ErrNotFound)

		traces, err := f.store.ListTraces(ctx, task.ID, 1)
		require.NoError(t, err)
		assert.Equal(t, "Task cancelled by user", traces[0].Message)
	})

	t.Run("other owner", func(t *testing.T) {
		f := newFixture(t, Config{})
		task, err := f.orch.Create(ctx, "alice", CreateInput{Goal: "g"})
		require.NoError(t, err)
		_, err = f.orch.Cancel(ctx, "bob", task.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = f.orch.Status(ctx, "bob", task.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestCancelDuringStepDiscardsResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.eng.DecomposeFunc = func(context.Context, string, []string) (domain.Strategy, error) {
		return enginetest.Steps("a", "b"), nil
	}
	task, err := f.orch.Create(ctx, "alice", CreateInput{Goal: "g"})
	require.NoError(t, err)

	f.eng.ExecuteFunc = func(context.Context, engine.Request) (engine.Result, error) {
		_, cerr := f.orch.Cancel(ctx, "alice", task.ID)
		require.NoError(t, cerr)
		return engine.Result{Success: true, Output: "late"}, nil
	}

	assert.ErrorIs(t, f.runStep(t, task.ID, 0), worker.ErrSkip)
	got := f.task(t, task.ID)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Equal(t, domain.CancelledByUser, got.LastError)
	assert.Equal(t, 0, got.CurrentStep)
	assert.Empty(t, got.Context.Findings)
	_, err = f.queue.Get(ctx, stepJobID(task.ID, 1))
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestSummarizationKeepsFindings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{SummarizeAfter: 5})
	f.eng.DecomposeFunc = func(context.Context, string, []string) (domain.Strategy, error) {
		return enginetest.Steps("a", "b"), nil
	}
	f.eng.ExecuteFunc = func(_ context.Context, req engine.Request) (engine.Result, error) {
		msgs := make([]domain.Message, 4)
		for i := range msgs {
			msgs[i] = domain.Message{Role: "assistant", Content: "m"}
		}
		return engine.Result{Success: true, Output: "finding", Messages: msgs}, nil
	}
	var summarized []domain.Message
	f.eng.SummarizeFunc = func(_ context.Context, _ string, msgs []domain.Message) (string, error) {
		summarized = msgs
		return "condensed", nil
	}
	task, err := f.orch.Create(ctx, "alice", CreateInput{Goal: "g"})
	require.NoError(t, err)

	require.NoError(t, f.runStep(t, task.ID, 0))
	assert.Nil(t, summarized, "below threshold")

	require.NoError(t, f.runStep(t, task.ID, 1))
	require.Len(t, summarized, 4)
	got := f.task(t, task.ID)
	assert.Equal(t, "condensed", got.Context.Summary)
	assert.Len(t, got.Context.Messages, keepRecentMessages)
	assert.Equal(t, map[string]string{"step_1": "finding", "step_2": "finding"}, got.Context.Findings)
	assert.Equal(t, "condensed", got.Checkpoints[1].Summary)
}

func TestSummarizerFailureKeepsHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{SummarizeAfter: 1})
	f.eng.ExecuteFunc = func(context.Context, engine.Request) (engine.Result, error) {
		return engine.Result{Success: true, Output: "x", Messages: make([]domain.Message, 6)}, nil
	}
	f.eng.SummarizeFunc = func(context.Context, string, []domain.Message) (string, error) {
		return "", errors.New("summarizer down")
	}
	task, err := f.orch.Create(ctx, "alice", CreateInput{Goal: "g"})
	require.NoError(t, err)
	require.NoError(t, f.runStep(t, task.ID, 0))

	got := f.task(t, task.ID)
	assert.Len(t, got.Context.Messages, 6)
	assert.Empty(t, got.Context.Summary)
	assert.Equal(t, domain.TaskCompleted, got.Status)
}

func TestRunsThroughPool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, Config{})
	f.eng.DecomposeFunc = func(context.Context, string, []string) (domain.Strategy, error) {
		return enginetest.Steps("a", "b"), nil
	}
	p := worker.NewPool(f.queue, worker.Config{PollInterval: 5 * time.Millisecond, RatePerSec: 100}, nil)
	f.orch.Register(p)
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	task, err := f.orch.Create(ctx, "alice", CreateInput{Goal: "g"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.task(t, task.ID).Status == domain.TaskCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRedeliveredStepQueuesMissingSuccessor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.eng.DecomposeFunc = func(context.Context, string, []string) (domain.Strategy, error) {
		return enginetest.Steps("a", "b"), nil
	}
	task, err := f.orch.Create(ctx, "alice", CreateInput{Goal: "g"})
	require.NoError(t, err)
	first, err := f.queue.Get(ctx, stepJobID(task.ID, 0))
	require.NoError(t, err)

	require.NoError(t, f.orch.HandleStep(ctx, first))
	// Step 2 saved as current but its job lost, as when queueing it failed.
	require.NoError(t, f.queue.Remove(ctx, stepJobID(task.ID, 1)))

	require.NoError(t, f.orch.HandleStep(ctx, first))
	job, err := f.queue.Get(ctx, stepJobID(task.ID, 1))
	require.NoError(t, err)
	assert.Equal(t, queue.StateQueued, job.State)
	assert.Len(t, f.eng.Executed(), 1)

	assert.ErrorIs(t, f.orch.HandleStep(ctx, first), worker.ErrSkip, "successor already queued")

	require.NoError(t, f.runStep(t, task.ID, 1))
	assert.Equal(t, domain.TaskCompleted, f.task(t, task.ID).Status)
}

func TestResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.eng.DecomposeFunc = func(context.Context, string, []string) (domain.Strategy, error) {
		return enginetest.Steps("a", "b"), nil
	}
	stuck, err := f.orch.Create(ctx, "alice", CreateInput{Goal: "stuck"})
	require.NoError(t, err)
	require.NoError(t, f.runStep(t, stuck.ID, 0))
	require.NoError(t, f.queue.Remove(ctx, stepJobID(stuck.ID, 1)))

	waiting, err := f.orch.Create(ctx, "alice", CreateInput{Goal: "waiting"})
	require.NoError(t, err)

	n, err := f.orch.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = f.queue.Get(ctx, stepJobID(stuck.ID, 1))
	require.NoError(t, err)
	_, err = f.queue.Get(ctx, stepJobID(waiting.ID, 0))
	require.NoError(t, err)

	n, err = f.orch.Resume(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type brokenQueue struct {
	Queue
}

func (brokenQueue) Enqueue(context.Context, queue.Job, queue.Options) error {
	return errors.New("queue unavailable")
}

func TestCreateFailsTaskWhenFirstStepCannotBeQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	orch := New(f.store, brokenQueue{f.queue}, f.eng, tools.Catalog{}, Config{})

	_, err := orch.Create(ctx, "alice", CreateInput{Goal: "g"})
	require.Error(t, err)

	list, err := orch.List(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.TaskFailed, list[0].Status)
	assert.Contains(t, list[0].LastError, "queue unavailable")
}

func TestClipKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "ab...", clip("abcdef", 2))
	// "é" is two bytes; cutting after one would leave half of it.
	got := clip("aé", 2)
	assert.Equal(t, "a...", got)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, utf8.ValidString(clip("日本語テキスト", 7)))
}
