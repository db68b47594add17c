// Package orchestrator runs goals decomposed into an ordered strategy of
// steps. Each step is its own queue job, task:<id>:step:<n>, so a task
// resumes after a restart from its last checkpoint.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agentflow/internal/domain"
	"agentflow/internal/engine"
	"agentflow/internal/metrics"
	"agentflow/internal/queue"
	"agentflow/internal/store"
	"agentflow/internal/tools"
	"agentflow/internal/worker"
)

const (
	KindStep = "task_step"

	DefaultMaxRetries     = 3
	DefaultStepTimeout    = 5 * time.Minute
	DefaultTraceLimit     = 20
	DefaultSummarizeAfter = 40
	keepRecentMessages    = 4
)

// ErrDecomposition means the planner could not produce a usable strategy.
// The task is persisted as failed.
var ErrDecomposition = errors.New("goal decomposition failed")

type Store interface {
	CreateTask(ctx context.Context, t domain.TaskExecution) error
	GetTask(ctx context.Context, id string) (domain.TaskExecution, error)
	ListTasks(ctx context.Context, owner string, limit int) ([]domain.TaskExecution, error)
	ListActiveTasks(ctx context.Context) ([]domain.TaskExecution, error)
	UpdateTask(ctx context.Context, t domain.TaskExecution, from ...domain.TaskStatus) error
	AppendTrace(ctx context.Context, tr domain.TaskTrace) (int64, error)
	ListTraces(ctx context.Context, taskID string, limit int) ([]domain.TaskTrace, error)
}

type Queue interface {
	Get(ctx context.Context, id string) (queue.Job, error)
	Enqueue(ctx context.Context, j queue.Job, opts queue.Options) error
	Remove(ctx context.Context, id string) error
}

type Config struct {
	MaxRetries     int
	StepTimeout    time.Duration
	TraceLimit     int
	SummarizeAfter int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = DefaultStepTimeout
	}
	if c.TraceLimit <= 0 {
		c.TraceLimit = DefaultTraceLimit
	}
	if c.SummarizeAfter <= 0 {
		c.SummarizeAfter = DefaultSummarizeAfter
	}
	return c
}

type Orchestrator struct {
	store   Store
	queue   Queue
	engine  engine.Engine
	catalog tools.Catalog
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time
	log     zerolog.Logger
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// New builds an orchestrator. cfg.MaxRetries is taken as given, so zero
// fails a task on its first unsuccessful step.
func New(st Store, q Queue, eng engine.Engine, catalog tools.Catalog, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   st,
		queue:   q,
		engine:  eng,
		catalog: catalog,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		log:     log.With().Str("component", "orchestrator").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Register(p *worker.Pool) {
	p.Handle(KindStep, o.HandleStep)
}

func stepJobID(taskID string, step int) string {
	return fmt.Sprintf("task:%s:step:%d", taskID, step)
}

type CreateInput struct {
	Goal        string   `json:"goal"`
	ToolSources []string `json:"tool_sources"`
}

// Create decomposes the goal once and queues the first step.
func (o *Orchestrator) Create(ctx context.Context, owner string, in CreateInput) (domain.TaskExecution, error) {
	verr := domain.NewValidationError()
	goal := strings.TrimSpace(in.Goal)
	if goal == "" {
		verr.Add("goal", "is required")
	}
	for _, name := range in.ToolSources {
		if !o.catalog.Has(name) {
			verr.Add("tool_sources", fmt.Sprintf("unknown tool source %q", name))
		}
	}
	if err := verr.OrNil(); err != nil {
		return domain.TaskExecution{}, err
	}

	reg, err := o.catalog.Compose(in.ToolSources)
	if err != nil {
		return domain.TaskExecution{}, err
	}

	now := o.now().UTC()
	t := domain.TaskExecution{
		ID:          uuid.NewString(),
		Owner:       owner,
		Goal:        goal,
		ToolSources: in.ToolSources,
		Context:     domain.TaskContext{Findings: map[string]string{}},
		Status:      domain.TaskPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	logger := o.log.With().Str("task_id", t.ID).Logger()

	strategy, derr := o.engine.Decompose(ctx, goal, reg.Names())
	if derr == nil && len(strategy.Steps) == 0 {
		derr = errors.New("planner returned no steps")
	}
	if derr != nil {
		t.Status = domain.TaskFailed
		t.LastError = derr.Error()
		t.CompletedAt = &now
		if err := o.store.CreateTask(ctx, t); err != nil {
			return domain.TaskExecution{}, fmt.Errorf("create task: %w", err)
		}
		o.trace(ctx, t.ID, domain.TraceError, "Decomposition failed: "+derr.Error(), nil)
		logger.Warn().Err(derr).Msg("decomposition failed")
		return t, fmt.Errorf("%w: %v", ErrDecomposition, derr)
	}
	t.Strategy = normalize(strategy)

	if err := o.store.CreateTask(ctx, t); err != nil {
		return domain.TaskExecution{}, fmt.Errorf("create task: %w", err)
	}
	o.trace(ctx, t.ID, domain.TraceDecision, fmt.Sprintf("Task created with %d steps", t.Strategy.TotalSteps), map[string]any{
		"estimated_seconds": t.Strategy.EstimatedSeconds,
		"tools":             reg.Names(),
	})
	if err := o.enqueueStep(ctx, t.ID, 0, 0); err != nil {
		// Nothing will ever pick the task up, so it must not stay pending.
		if ferr := o.fail(ctx, t, "queue first step: "+err.Error()); ferr != nil {
			logger.Error().Err(ferr).Msg("fail unqueued task")
		}
		return domain.TaskExecution{}, err
	}
	logger.Info().Int("steps", t.Strategy.TotalSteps).Msg("task created")
	return t, nil
}

// normalize fills unestimated steps and derives the totals.
func normalize(s domain.Strategy) domain.Strategy {
	out := domain.Strategy{Steps: make([]domain.Step, len(s.Steps))}
	for i, st := range s.Steps {
		if st.EstimatedSeconds <= 0 {
			st.EstimatedSeconds = domain.DefaultStepSeconds
		}
		out.Steps[i] = st
		out.EstimatedSeconds += st.EstimatedSeconds
	}
	out.TotalSteps = len(out.Steps)
	return out
}

// Status is a task with its derived progress and most recent traces.
type Status struct {
	domain.TaskExecution
	Progress    int                `json:"progress"`
	DisplayStep int                `json:"display_step"`
	Traces      []domain.TaskTrace `json:"traces"`
}

// Get returns the task when owner created it; any other owner gets
// domain.ErrNotFound.
func (o *Orchestrator) Get(ctx context.Context, owner, id string) (domain.TaskExecution, error) {
	t, err := o.store.GetTask(ctx, id)
	if err != nil {
		return domain.TaskExecution{}, err
	}
	if t.Owner != owner {
		return domain.TaskExecution{}, domain.ErrNotFound
	}
	return t, nil
}

func (o *Orchestrator) Status(ctx context.Context, owner, id string) (Status, error) {
	t, err := o.Get(ctx, owner, id)
	if err != nil {
		return Status{}, err
	}
	traces, err := o.store.ListTraces(ctx, id, o.cfg.TraceLimit)
	if err != nil {
		return Status{}, fmt.Errorf("list traces: %w", err)
	}
	return Status{TaskExecution: t, Progress: t.Progress(), DisplayStep: t.DisplayStep(), Traces: traces}, nil
}

func (o *Orchestrator) List(ctx context.Context, owner string, limit int) ([]domain.TaskExecution, error) {
	return o.store.ListTasks(ctx, owner, limit)
}

// Cancel fails a pending or running task. A step already executing runs to
// completion and its result is discarded.
func (o *Orchestrator) Cancel(ctx context.Context, owner, id string) (domain.TaskExecution, error) {
	t, err := o.Get(ctx, owner, id)
	if err != nil {
		return domain.TaskExecution{}, err
	}
	if t.Status != domain.TaskPending && t.Status != domain.TaskRunning {
		return domain.TaskExecution{}, &domain.StateError{Entity: "task", ID: id, Status: string(t.Status), Op: "cancel"}
	}
	if err := o.queue.Remove(ctx, stepJobID(id, t.CurrentStep)); err != nil {
		return domain.TaskExecution{}, fmt.Errorf("remove step job: %w", err)
	}

	now := o.now().UTC()
	prev := t.Status
	t.Status = domain.TaskFailed
	t.LastError = domain.CancelledByUser
	t.CompletedAt = &now
	t.UpdatedAt = now
	if err := o.store.UpdateTask(ctx, t, prev); err != nil {
		if errors.Is(err, store.ErrStale) {
			cur, gerr := o.store.GetTask(ctx, id)
			if gerr != nil {
				return domain.TaskExecution{}, gerr
			}
			return domain.TaskExecution{}, &domain.StateError{Entity: "task", ID: id, Status: string(cur.Status), Op: "cancel"}
		}
		return domain.TaskExecution{}, fmt.Errorf("cancel task: %w", err)
	}
	o.trace(ctx, id, domain.TraceDecision, "Task cancelled by user", map[string]any{"step": t.CurrentStep})
	o.log.Info().Str("task_id", id).Msg("task cancelled")
	return t, nil
}

func (o *Orchestrator) enqueueStep(ctx context.Context, taskID string, step int, delay time.Duration) error {
	payload := []byte(fmt.Sprintf(`{"step":%d}`, step))
	err := o.queue.Enqueue(ctx, queue.Job{ID: stepJobID(taskID, step), Kind: KindStep, Ref: taskID, Payload: payload}, queue.Options{Delay: delay})
	if err != nil {
		return fmt.Errorf("enqueue step %d: %w", step, err)
	}
	o.trace(ctx, taskID, domain.TraceDecision, fmt.Sprintf("Step %d queued", step+1), map[string]any{
		"step":     step,
		"delay_ms": delay.Milliseconds(),
	})
	return nil
}

// ensureStep queues the task's current step unless its job is still
// waiting or in flight.
func (o *Orchestrator) ensureStep(ctx context.Context, t domain.TaskExecution) (bool, error) {
	job, err := o.queue.Get(ctx, stepJobID(t.ID, t.CurrentStep))
	switch {
	case err == nil && !job.State.IsTerminal():
		return false, nil
	case err != nil && !errors.Is(err, queue.ErrNotFound):
		return false, fmt.Errorf("get step job: %w", err)
	}
	if err := o.enqueueStep(ctx, t.ID, t.CurrentStep, 0); err != nil {
		return false, err
	}
	return true, nil
}

// Resume requeues the current step of every pending or running task that
// has no live job, which happens when a step result was saved but queueing
// its successor failed. It returns how many tasks were requeued.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	tasks, err := o.store.ListActiveTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active tasks: %w", err)
	}
	n := 0
	for _, t := range tasks {
		if t.CurrentStep >= len(t.Strategy.Steps) {
			continue
		}
		queued, err := o.ensureStep(ctx, t)
		if err != nil {
			o.log.Error().Err(err).Str("task_id", t.ID).Msg("resume task")
			continue
		}
		if queued {
			n++
		}
	}
	if n > 0 {
		o.log.Info().Int("tasks", n).Msg("resumed tasks")
	}
	return n, nil
}

// trace appends a trace entry. Trace failures are logged, never returned.
func (o *Orchestrator) trace(ctx context.Context, taskID string, typ domain.TraceType, msg string, meta map[string]any) {
	_, err := o.store.AppendTrace(context.WithoutCancel(ctx), domain.TaskTrace{
		TaskID: taskID, Type: typ, Message: msg, Metadata: meta, CreatedAt: o.now().UTC(),
	})
	if err != nil {
		o.log.Error().Err(err).Str("task_id", taskID).Msg("append trace")
	}
}
