package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentflow/internal/domain"
	"agentflow/internal/engine"
	"agentflow/internal/queue"
	"agentflow/internal/schedule"
	"agentflow/internal/store"
	"agentflow/internal/worker"
)

// HandleScheduled runs one occurrence of a definition. A deleted or disabled
// definition is skipped without leaving a record. The following run is
// computed from the definition as it stands after the run, so edits made
// while the prompt was executing are honoured.
func (s *Service) HandleScheduled(ctx context.Context, job queue.Job) error {
	t, err := worker.Reload(ctx, job.Ref, s.store.GetScheduledTask, func(t domain.ScheduledTask) bool { return t.Enabled })
	if err != nil {
		return err
	}

	e := domain.ScheduledExecution{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		Owner:     t.Owner,
		Trigger:   domain.TriggerScheduled,
		Status:    domain.ExecutionRunning,
		CreatedAt: s.now().UTC(),
	}
	e.StartedAt = &e.CreatedAt
	if err := s.store.CreateExecution(ctx, e); err != nil {
		return fmt.Errorf("record execution: %w", err)
	}

	runErr := s.run(ctx, t, &e)
	if runErr != nil {
		// The queue redelivers this job with backoff; nextRunAt stays put.
		if err := s.store.MarkScheduledRun(ctx, t.ID, *e.CompletedAt, nil); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.log.Error().Err(err).Str("scheduled_task_id", t.ID).Msg("update last run")
		}
		return runErr
	}
	return s.scheduleFollowing(ctx, t.ID, *e.CompletedAt)
}

// scheduleFollowing records lastRun and queues the next occurrence of the
// current definition. A definition deleted or disabled meanwhile gets no
// job.
func (s *Service) scheduleFollowing(ctx context.Context, id string, lastRun time.Time) error {
	logger := s.log.With().Str("scheduled_task_id", id).Logger()
	t, err := s.store.GetScheduledTask(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		s.removeJob(ctx, id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reload scheduled task: %w", err)
	}
	if !t.Enabled {
		if err := s.store.MarkScheduledRun(ctx, id, lastRun, nil); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("update last run: %w", err)
		}
		s.removeJob(ctx, id)
		return nil
	}

	now := s.now().UTC()
	next, ok := schedule.CalculateNextRun(t.Spec, now)
	if !ok {
		logger.Error().Str("schedule", schedule.Describe(t.Spec)).Msg("no next run time; schedule stalls")
		return s.store.MarkScheduledRun(ctx, id, lastRun, nil)
	}
	if err := s.store.MarkScheduledRun(ctx, id, lastRun, &next); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.removeJob(ctx, id)
			return nil
		}
		return fmt.Errorf("update run times: %w", err)
	}
	t.NextRunAt = &next
	s.enqueueNext(ctx, t, now)

	// An edit that landed between the reload and the enqueue has already
	// queued its own run, which ours just replaced.
	cur, err := s.store.GetScheduledTask(ctx, id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.removeJob(ctx, id)
	case err != nil:
		logger.Error().Err(err).Msg("recheck scheduled task")
	case !cur.Enabled:
		s.removeJob(ctx, id)
	case !cur.UpdatedAt.Equal(t.UpdatedAt) && cur.NextRunAt != nil:
		logger.Info().Time("next_run", *cur.NextRunAt).Msg("definition edited during run; following its schedule")
		s.enqueueNext(ctx, cur, now)
	}
	return nil
}

func (s *Service) removeJob(ctx context.Context, id string) {
	if err := s.queue.Remove(ctx, scheduledJobID(id)); err != nil {
		s.log.Error().Err(err).Str("scheduled_task_id", id).Msg("remove scheduled job")
	}
}

// HandleManual runs a pending manual execution once. A cancelled or already
// finished execution is skipped; a running one is a redelivery after a lost
// lease and runs again. Only lastRunAt is updated.
func (s *Service) HandleManual(ctx context.Context, job queue.Job) error {
	e, err := worker.Reload(ctx, job.Ref, s.store.GetExecution, func(e domain.ScheduledExecution) bool {
		return e.Status == domain.ExecutionPending || e.Status == domain.ExecutionRunning
	})
	if err != nil {
		return err
	}
	t, err := worker.Reload(ctx, e.TaskID, s.store.GetScheduledTask, nil)
	if err != nil {
		return err
	}

	started := s.now().UTC()
	e.Status = domain.ExecutionRunning
	e.StartedAt = &started
	e.CompletedAt = nil
	e.Error = ""
	if err := s.store.UpdateExecution(ctx, e, domain.ExecutionPending, domain.ExecutionRunning); err != nil {
		if errors.Is(err, store.ErrStale) || errors.Is(err, domain.ErrNotFound) {
			return worker.ErrSkip
		}
		return fmt.Errorf("record execution: %w", err)
	}

	runErr := s.run(ctx, t, &e)
	if err := s.store.MarkScheduledRun(ctx, t.ID, *e.CompletedAt, nil); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.log.Error().Err(err).Str("scheduled_task_id", t.ID).Msg("update last run")
	}
	var failed *failedRun
	if errors.As(runErr, &failed) {
		// The failure is on record; a retry would overwrite it.
		return worker.Permanent(runErr)
	}
	return runErr
}

// failedRun is a run whose failure is already on the execution record.
type failedRun struct{ err error }

func (f *failedRun) Error() string { return f.err.Error() }
func (f *failedRun) Unwrap() error { return f.err }

// run executes the prompt and moves the running execution to its terminal
// state before returning the run's error.
func (s *Service) run(ctx context.Context, t domain.ScheduledTask, e *domain.ScheduledExecution) error {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	res, err := s.exec.Execute(rctx, engine.Request{Prompt: t.Prompt, Tools: s.tools})
	cancel()
	if err == nil && !res.Success {
		err = errors.New(res.Error)
	}

	done := s.now().UTC()
	e.CompletedAt = &done
	e.DurationMs = done.Sub(*e.StartedAt).Milliseconds()
	if err != nil {
		e.Status = domain.ExecutionFailed
		e.Error = err.Error()
	} else {
		e.Status = domain.ExecutionSuccess
		e.ThreadID = res.ThreadID
	}
	s.metrics.RecordScheduledRun(string(e.Trigger), string(e.Status))

	logger := s.log.With().Str("scheduled_task_id", t.ID).Str("execution_id", e.ID).Str("trigger", string(e.Trigger)).Logger()
	if werr := s.store.UpdateExecution(context.WithoutCancel(ctx), *e, domain.ExecutionRunning); werr != nil {
		if errors.Is(werr, store.ErrStale) || errors.Is(werr, domain.ErrNotFound) {
			logger.Info().Msg("execution changed during run; result discarded")
			return worker.ErrSkip
		}
		logger.Error().Err(werr).AnErr("run_error", err).Msg("record execution result")
		return fmt.Errorf("record execution result: %w", werr)
	}
	if err != nil {
		logger.Warn().Err(err).Int64("duration_ms", e.DurationMs).Msg("scheduled run failed")
		return &failedRun{err: err}
	}
	logger.Info().Int64("duration_ms", e.DurationMs).Str("thread_id", e.ThreadID).Msg("scheduled run succeeded")
	return nil
}

// Start runs the reconciler until ctx is done. It sweeps once immediately.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.cfg.ReconcileInterval).Msg("schedule reconciler started")
	s.Reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reconcile(ctx)
		}
	}
}

// Reconcile re-enqueues every enabled definition whose job is missing or
// terminal, moving a nextRunAt that is already past to the next future run.
// It returns how many jobs it restored.
func (s *Service) Reconcile(ctx context.Context) int {
	defs, err := s.store.ListEnabledScheduledTasks(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("list enabled scheduled tasks")
		return 0
	}

	restored := 0
	for _, t := range defs {
		job, err := s.queue.Get(ctx, scheduledJobID(t.ID))
		switch {
		case err == nil && !job.State.IsTerminal():
			continue
		case err != nil && !errors.Is(err, queue.ErrNotFound):
			s.log.Error().Err(err).Str("scheduled_task_id", t.ID).Msg("look up scheduled job")
			continue
		}

		now := s.now().UTC()
		if t.NextRunAt == nil || !t.NextRunAt.After(now) {
			next, ok := schedule.CalculateNextRun(t.Spec, now)
			if !ok {
				s.log.Error().Str("scheduled_task_id", t.ID).Msg("no next run time; not re-enqueued")
				continue
			}
			t.NextRunAt = &next
			t.UpdatedAt = now
			if err := s.store.UpdateScheduledTask(ctx, t); err != nil {
				s.log.Error().Err(err).Str("scheduled_task_id", t.ID).Msg("persist recomputed next run")
				continue
			}
		}
		s.enqueueNext(ctx, t, now)
		restored++
		s.log.Info().Str("scheduled_task_id", t.ID).Time("next_run", *t.NextRunAt).Msg("scheduled job restored")
	}
	return restored
}
