// Package scheduler owns recurring prompt definitions. Each enabled
// definition has exactly one queue job, schedule:<id>, delayed until its next
// run; running it records an execution and enqueues the following run.
package scheduler

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
	"agentflow/internal/schedule"
	"agentflow/internal/store"
	"agentflow/internal/tools"
	"agentflow/internal/worker"
)

const (
	KindScheduled = "schedule"
	KindManual    = "schedule_manual"

	DefaultReconcileInterval = time.Minute
	DefaultRunTimeout        = 5 * time.Minute
	maxNameLen               = 200
)

type Store interface {
	CreateScheduledTask(ctx context.Context, t domain.ScheduledTask) error
	GetScheduledTask(ctx context.Context, id string) (domain.ScheduledTask, error)
	ListScheduledTasks(ctx context.Context, owner string) ([]domain.ScheduledTask, error)
	ListEnabledScheduledTasks(ctx context.Context) ([]domain.ScheduledTask, error)
	UpdateScheduledTask(ctx context.Context, t domain.ScheduledTask) error
	MarkScheduledRun(ctx context.Context, id string, lastRun time.Time, next *time.Time) error
	DeleteScheduledTask(ctx context.Context, id string) error
	CreateExecution(ctx context.Context, e domain.ScheduledExecution) error
	UpdateExecution(ctx context.Context, e domain.ScheduledExecution, from ...domain.ExecutionStatus) error
	GetExecution(ctx context.Context, id string) (domain.ScheduledExecution, error)
	ListExecutions(ctx context.Context, taskID string, limit int) ([]domain.ScheduledExecution, error)
}

// Queue is the part of the queue engine the scheduler drives.
type Queue interface {
	Enqueue(ctx context.Context, j queue.Job, opts queue.Options) error
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (queue.Job, error)
}

type Config struct {
	ReconcileInterval time.Duration
	RunTimeout        time.Duration
}

type Service struct {
	store   Store
	queue   Queue
	exec    engine.Executor
	tools   *tools.Registry
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time
	log     zerolog.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithTools sets the tool registry every scheduled prompt runs with.
func WithTools(r *tools.Registry) Option { return func(s *Service) { s.tools = r } }

func NewService(st Store, q Queue, exec engine.Executor, cfg Config, opts ...Option) *Service {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultReconcileInterval
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	s := &Service{
		store: st,
		queue: q,
		exec:  exec,
		cfg:   cfg,
		now:   time.Now,
		log:   log.With().Str("component", "scheduler").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register installs the run handlers on the pool.
func (s *Service) Register(p *worker.Pool) {
	p.Handle(KindScheduled, s.HandleScheduled)
	p.Handle(KindManual, s.HandleManual)
}

func scheduledJobID(taskID string) string { return "schedule:" + taskID }
func manualJobID(execID string) string    { return "manual:" + execID }

type CreateInput struct {
	Name     string              `json:"name"`
	Prompt   string              `json:"prompt"`
	Schedule domain.ScheduleSpec `json:"schedule"`
	Enabled  *bool               `json:"enabled,omitempty"`
}

type UpdateInput struct {
	Name     *string              `json:"name,omitempty"`
	Prompt   *string              `json:"prompt,omitempty"`
	Schedule *domain.ScheduleSpec `json:"schedule,omitempty"`
	Enabled  *bool                `json:"enabled,omitempty"`
}

func validateText(verr *domain.ValidationError, field, v string) {
	switch {
	case strings.TrimSpace(v) == "":
		verr.Add(field, "is required")
	case field == "name" && len(v) > maxNameLen:
		verr.Add(field, fmt.Sprintf("must be at most %d characters", maxNameLen))
	}
}

func validateSpec(verr *domain.ValidationError, spec domain.ScheduleSpec) {
	var sverr *domain.ValidationError
	if err := schedule.Validate(spec); errors.As(err, &sverr) {
		for k, v := range sverr.Fields {
			verr.Add(k, v)
		}
	}
}

func (s *Service) Create(ctx context.Context, owner string, in CreateInput) (domain.ScheduledTask, error) {
	verr := domain.NewValidationError()
	validateText(verr, "name", in.Name)
	validateText(verr, "prompt", in.Prompt)
	validateSpec(verr, in.Schedule)
	if err := verr.OrNil(); err != nil {
		return domain.ScheduledTask{}, err
	}

	now := s.now().UTC()
	next, ok := schedule.CalculateNextRun(in.Schedule, now)
	if !ok {
		verr.Add("schedule", "has no future run time")
		return domain.ScheduledTask{}, verr
	}

	t := domain.ScheduledTask{
		ID:        uuid.NewString(),
		Owner:     owner,
		Name:      strings.TrimSpace(in.Name),
		Prompt:    in.Prompt,
		Spec:      in.Schedule,
		Enabled:   in.Enabled == nil || *in.Enabled,
		NextRunAt: &next,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateScheduledTask(ctx, t); err != nil {
		return domain.ScheduledTask{}, fmt.Errorf("create scheduled task: %w", err)
	}
	if t.Enabled {
		s.enqueueNext(ctx, t, now)
	}
	s.log.Info().Str("scheduled_task_id", t.ID).Str("schedule", schedule.Describe(t.Spec)).Time("next_run", next).Msg("scheduled task created")
	return t, nil
}

// Get returns the definition, or ErrNotFound when owner does not own it.
func (s *Service) Get(ctx context.Context, owner, id string) (domain.ScheduledTask, error) {
	t, err := s.store.GetScheduledTask(ctx, id)
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	if t.Owner != owner {
		return domain.ScheduledTask{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *Service) List(ctx context.Context, owner string) ([]domain.ScheduledTask, error) {
	return s.store.ListScheduledTasks(ctx, owner)
}

func (s *Service) Update(ctx context.Context, owner, id string, in UpdateInput) (domain.ScheduledTask, error) {
	t, err := s.Get(ctx, owner, id)
	if err != nil {
		return domain.ScheduledTask{}, err
	}

	verr := domain.NewValidationError()
	if in.Name != nil {
		validateText(verr, "name", *in.Name)
	}
	if in.Prompt != nil {
		validateText(verr, "prompt", *in.Prompt)
	}
	if in.Schedule != nil {
		validateSpec(verr, *in.Schedule)
	}
	if err := verr.OrNil(); err != nil {
		return domain.ScheduledTask{}, err
	}

	now := s.now().UTC()
	wasEnabled := t.Enabled
	specChanged := in.Schedule != nil && *in.Schedule != t.Spec
	if in.Name != nil {
		t.Name = strings.TrimSpace(*in.Name)
	}
	if in.Prompt != nil {
		t.Prompt = *in.Prompt
	}
	if in.Enabled != nil {
		t.Enabled = *in.Enabled
	}
	if specChanged {
		t.Spec = *in.Schedule
	}
	reEnabled := t.Enabled && !wasEnabled
	stale := t.NextRunAt == nil || !t.NextRunAt.After(now)
	if specChanged || (reEnabled && stale) {
		next, ok := schedule.CalculateNextRun(t.Spec, now)
		if !ok {
			verr.Add("schedule", "has no future run time")
			return domain.ScheduledTask{}, verr
		}
		t.NextRunAt = &next
	}
	t.UpdatedAt = now

	if err := s.store.UpdateScheduledTask(ctx, t); err != nil {
		return domain.ScheduledTask{}, fmt.Errorf("update scheduled task: %w", err)
	}

	switch {
	case !t.Enabled && wasEnabled:
		if err := s.queue.Remove(ctx, scheduledJobID(t.ID)); err != nil {
			s.log.Error().Err(err).Str("scheduled_task_id", t.ID).Msg("remove job of disabled task")
		}
	case t.Enabled && (specChanged || reEnabled):
		s.enqueueNext(ctx, t, now)
	}
	return t, nil
}

// Delete removes the queue job, the definition and its execution history.
func (s *Service) Delete(ctx context.Context, owner, id string) error {
	if _, err := s.Get(ctx, owner, id); err != nil {
		return err
	}
	if err := s.queue.Remove(ctx, scheduledJobID(id)); err != nil {
		return fmt.Errorf("remove scheduled job: %w", err)
	}
	if err := s.store.DeleteScheduledTask(ctx, id); err != nil {
		return fmt.Errorf("delete scheduled task: %w", err)
	}
	s.log.Info().Str("scheduled_task_id", id).Msg("scheduled task deleted")
	return nil
}

// ExecuteNow records a pending manual execution and queues it. The regular
// schedule is not affected.
func (s *Service) ExecuteNow(ctx context.Context, owner, id string) (domain.ScheduledExecution, error) {
	t, err := s.Get(ctx, owner, id)
	if err != nil {
		return domain.ScheduledExecution{}, err
	}
	e := domain.ScheduledExecution{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		Owner:     t.Owner,
		Trigger:   domain.TriggerManual,
		Status:    domain.ExecutionPending,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateExecution(ctx, e); err != nil {
		return domain.ScheduledExecution{}, fmt.Errorf("create execution: %w", err)
	}
	if err := s.queue.Enqueue(ctx, queue.Job{ID: manualJobID(e.ID), Kind: KindManual, Ref: e.ID}, queue.Options{}); err != nil {
		return domain.ScheduledExecution{}, fmt.Errorf("enqueue manual run: %w", err)
	}
	return e, nil
}

func (s *Service) ListExecutions(ctx context.Context, owner, id string, limit int) ([]domain.ScheduledExecution, error) {
	if _, err := s.Get(ctx, owner, id); err != nil {
		return nil, err
	}
	return s.store.ListExecutions(ctx, id, limit)
}

// enqueueNext upserts the definition's job, delayed until NextRunAt.
// Failures are logged; the reconciler restores the job later.
func (s *Service) enqueueNext(ctx context.Context, t domain.ScheduledTask, now time.Time) {
	var delay time.Duration
	if t.NextRunAt != nil {
		delay = t.NextRunAt.Sub(now)
	}
	err := s.queue.Enqueue(ctx, queue.Job{ID: scheduledJobID(t.ID), Kind: KindScheduled, Ref: t.ID}, queue.Options{Delay: delay})
	if err != nil {
		s.log.Error().Err(err).Str("scheduled_task_id", t.ID).Msg("enqueue next run")
	}
}

// CancelExecution cancels a manual execution by id. A pending one is removed
// from the queue and marked failed. One already running finishes, but its
// job is removed so no redelivery follows.
func (s *Service) CancelExecution(ctx context.Context, owner, taskID, execID string) (domain.ScheduledExecution, error) {
	if _, err := s.Get(ctx, owner, taskID); err != nil {
		return domain.ScheduledExecution{}, err
	}
	e, err := s.store.GetExecution(ctx, execID)
	if err != nil {
		return domain.ScheduledExecution{}, err
	}
	if e.TaskID != taskID {
		return domain.ScheduledExecution{}, domain.ErrNotFound
	}
	if e.Status.IsTerminal() {
		return domain.ScheduledExecution{}, &domain.StateError{Entity: "execution", ID: e.ID, Status: string(e.Status), Op: "cancel"}
	}
	if err := s.queue.Remove(ctx, manualJobID(e.ID)); err != nil {
		return domain.ScheduledExecution{}, fmt.Errorf("remove manual job: %w", err)
	}
	if e.Status == domain.ExecutionPending {
		now := s.now().UTC()
		e.Status = domain.ExecutionFailed
		e.Error = domain.CancelledByUser
		e.CompletedAt = &now
		if err := s.store.UpdateExecution(ctx, e, domain.ExecutionPending); err != nil {
			if errors.Is(err, store.ErrStale) {
				// A worker claimed it first; it finishes on its own.
				return s.store.GetExecution(ctx, e.ID)
			}
			return domain.ScheduledExecution{}, fmt.Errorf("cancel execution: %w", err)
		}
	}
	return e, nil
}

// GetExecution returns an execution of one of owner's definitions.
func (s *Service) GetExecution(ctx context.Context, owner, execID string) (domain.ScheduledExecution, error) {
	e, err := s.store.GetExecution(ctx, execID)
	if err != nil {
		return domain.ScheduledExecution{}, err
	}
	if e.Owner != owner {
		return domain.ScheduledExecution{}, domain.ErrNotFound
	}
	return e, nil
}
