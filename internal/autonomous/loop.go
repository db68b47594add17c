package autonomous

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"agentflow/internal/domain"
	"agentflow/internal/engine"
	"agentflow/internal/queue"
	"agentflow/internal/store"
	"agentflow/internal/worker"
)

// HandleSession runs the loop for an active session.
func (s *Service) HandleSession(ctx context.Context, job queue.Job) error {
	sess, err := worker.Reload(ctx, job.Ref, s.store.GetSession, func(sess domain.AutonomousSession) bool {
		return sess.Status.IsActive()
	})
	if err != nil {
		return err
	}
	if _, err = s.Run(ctx, sess.ID); errors.Is(err, domain.ErrNotFound) {
		return worker.ErrSkip
	}
	return err
}

// errStopped means the session left the active states, or another loop took
// it over, while an iteration was in progress.
var errStopped = errors.New("session no longer active")

// Run performs iterations until the session completes, pauses, fails, hits
// its iteration cap or the run budget is spent. A spent budget leaves the
// session executing so a later continue picks it up where it stopped. The
// session is reloaded before every iteration, so settings edited meanwhile
// apply from the next one.
func (s *Service) Run(ctx context.Context, id string) (domain.AutonomousSession, error) {
	deadline := s.now().Add(s.cfg.RunBudget)
	logger := s.log.With().Str("session_id", id).Logger()

	for {
		sess, err := s.store.GetSession(ctx, id)
		if err != nil {
			return domain.AutonomousSession{}, err
		}
		if !sess.Status.IsActive() {
			logger.Debug().Str("status", string(sess.Status)).Int("iteration", sess.CurrentIteration).Msg("run finished")
			return sess, nil
		}
		if sess.CurrentIteration >= sess.MaxIterations {
			sess, err = s.finish(ctx, sess, domain.SessionPaused, "")
			if err != nil {
				return s.stopped(ctx, sess, err)
			}
			return sess, nil
		}
		if err := ctx.Err(); err != nil {
			return sess, err
		}
		if !s.now().Before(deadline) {
			logger.Info().Int("iteration", sess.CurrentIteration).Msg("run budget spent; session left executing")
			return sess, nil
		}

		if sess, err = s.iterate(ctx, sess); err != nil {
			return s.stopped(ctx, sess, err)
		}
	}
}

// stopped ends a run early. A session changed behind the loop is reloaded
// and reported as it now stands.
func (s *Service) stopped(ctx context.Context, sess domain.AutonomousSession, err error) (domain.AutonomousSession, error) {
	if !errors.Is(err, errStopped) {
		return sess, err
	}
	cur, gerr := s.store.GetSession(ctx, sess.ID)
	if gerr != nil {
		return sess, nil
	}
	s.log.Info().Str("session_id", sess.ID).Str("status", string(cur.Status)).Msg("session changed during run; stopping")
	return cur, nil
}

// iterate runs one evaluate, plan, execute, observe cycle. It returns the
// updated session; a terminal or paused status ends the run.
func (s *Service) iterate(ctx context.Context, sess domain.AutonomousSession) (domain.AutonomousSession, error) {
	// Claim the iteration number. Of two loops on the same session only one
	// can move it from n to n+1; the other stops here.
	claimed := sess
	claimed.CurrentIteration++
	sess, err := s.saveAt(ctx, claimed, sess.CurrentIteration)
	if err != nil {
		return sess, err
	}

	start := s.now().UTC()
	it := domain.AutonomousIteration{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		Number:    sess.CurrentIteration,
		Phase:     domain.PhaseEvaluating,
		StartedAt: start,
	}
	if err := s.store.SaveIteration(ctx, it); err != nil {
		return sess, fmt.Errorf("save iteration: %w", err)
	}
	logger := s.log.With().Str("session_id", sess.ID).Int("iteration", it.Number).Logger()

	// Evaluate.
	observations, err := s.store.ListObservations(ctx, sess.ID, observationWindow)
	if err != nil {
		return sess, fmt.Errorf("load observations: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PhaseTimeout)
	ev, err := s.engine.Evaluate(pctx, engine.EvaluateRequest{Goal: sess.Goal, Iteration: it.Number, Observations: observations})
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return sess, ctx.Err()
		}
		return s.failIteration(ctx, sess, it, "evaluate", err)
	}
	ev.ProgressPercentage = clampPercent(ev.ProgressPercentage)
	it.Evaluation = &ev
	if err := s.observe(ctx, sess.ID, it.ID, domain.ObservationEvaluation, evaluationText(ev), map[string]any{
		"progress_percentage": ev.ProgressPercentage,
		"goal_achieved":       ev.GoalAchieved,
		"should_continue":     ev.ShouldContinue,
		"blockers":            ev.Blockers,
	}); err != nil {
		return sess, err
	}

	sess.ProgressPercentage = ev.ProgressPercentage
	if ev.GoalAchieved {
		if err := s.closeIteration(ctx, &it); err != nil {
			return sess, err
		}
		s.metrics.RecordIteration("completed")
		logger.Info().Msg("goal achieved")
		return s.finish(ctx, sess, domain.SessionCompleted, "")
	}
	if !ev.ShouldContinue {
		if err := s.closeIteration(ctx, &it); err != nil {
			return sess, err
		}
		s.metrics.RecordIteration("paused")
		logger.Info().Msg("evaluation asked to stop; pausing")
		return s.finish(ctx, sess, domain.SessionPaused, "")
	}
	if sess, err = s.save(ctx, sess); err != nil {
		return sess, err
	}

	// Plan.
	it.Phase = domain.PhasePlanning
	if err := s.store.SaveIteration(ctx, it); err != nil {
		return sess, fmt.Errorf("save iteration: %w", err)
	}
	pctx, cancel = context.WithTimeout(ctx, s.cfg.PhaseTimeout)
	plan, err := s.engine.Plan(pctx, engine.PlanRequest{Goal: sess.Goal, Evaluation: ev, Observations: observations, Tools: s.tools.Names()})
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return sess, ctx.Err()
		}
		return s.failIteration(ctx, sess, it, "plan", err)
	}
	it.Plan = &plan
	if err := s.observe(ctx, sess.ID, it.ID, domain.ObservationPlanning, plan.Action, map[string]any{
		"rationale":        plan.Rationale,
		"expected_outcome": plan.ExpectedOutcome,
	}); err != nil {
		return sess, err
	}
	if sess.Status == domain.SessionPlanning {
		sess.Status = domain.SessionExecuting
		if sess, err = s.save(ctx, sess); err != nil {
			return sess, err
		}
	}

	// Execute.
	it.Phase = domain.PhaseExecuting
	if err := s.store.SaveIteration(ctx, it); err != nil {
		return sess, fmt.Errorf("save iteration: %w", err)
	}
	pctx, cancel = context.WithTimeout(ctx, s.cfg.PhaseTimeout)
	res, err := s.engine.Execute(pctx, engine.Request{Goal: sess.Goal, Prompt: plan.Action, Tools: s.tools})
	cancel()
	result := domain.ActionResult{Success: err == nil && res.Success, Output: res.Output, Error: res.Error}
	if err != nil {
		result.Error = err.Error()
	}
	it.Result = &result
	for _, tr := range res.ToolResults {
		if oerr := s.observe(ctx, sess.ID, it.ID, domain.ObservationToolCall, tr.Tool, map[string]any{
			"input": tr.Input, "output": clip(tr.Output, 500), "error": tr.Error,
		}); oerr != nil {
			return sess, oerr
		}
	}

	// Observe.
	it.Phase = domain.PhaseObserving
	content := "Action succeeded: " + clip(result.Output, 500)
	if !result.Success {
		content = "Action failed: " + result.Error
		logger.Warn().Str("error", result.Error).Msg("action failed; loop continues")
	}
	if err := s.observe(ctx, sess.ID, it.ID, domain.ObservationExecution, content, map[string]any{
		"success":          result.Success,
		"expected_outcome": plan.ExpectedOutcome,
		"thread_id":        res.ThreadID,
	}); err != nil {
		return sess, err
	}
	if err := s.closeIteration(ctx, &it); err != nil {
		return sess, err
	}

	if sess.CurrentIteration >= sess.MaxIterations {
		s.metrics.RecordIteration("paused")
		logger.Info().Msg("iteration cap reached; pausing")
		return s.finish(ctx, sess, domain.SessionPaused, "")
	}
	s.metrics.RecordIteration("continued")
	return s.save(ctx, sess)
}

func (s *Service) closeIteration(ctx context.Context, it *domain.AutonomousIteration) error {
	done := s.now().UTC()
	it.CompletedAt = &done
	it.DurationMs = done.Sub(it.StartedAt).Milliseconds()
	if err := s.store.SaveIteration(ctx, *it); err != nil {
		return fmt.Errorf("save iteration: %w", err)
	}
	return nil
}

// failIteration records an evaluate or plan failure and fails the session.
func (s *Service) failIteration(ctx context.Context, sess domain.AutonomousSession, it domain.AutonomousIteration, phase string, cause error) (domain.AutonomousSession, error) {
	msg := fmt.Sprintf("%s failed: %v", phase, cause)
	if err := s.observe(ctx, sess.ID, it.ID, domain.ObservationError, msg, map[string]any{"phase": phase}); err != nil {
		return sess, err
	}
	if err := s.closeIteration(ctx, &it); err != nil {
		return sess, err
	}
	s.metrics.RecordIteration("failed")
	s.log.Warn().Str("session_id", sess.ID).Str("phase", phase).Err(cause).Msg("session failed")
	return s.finish(ctx, sess, domain.SessionFailed, msg)
}

// finish moves the session out of the active states.
func (s *Service) finish(ctx context.Context, sess domain.AutonomousSession, status domain.SessionStatus, lastError string) (domain.AutonomousSession, error) {
	now := s.now().UTC()
	sess.Status = status
	if lastError != "" {
		sess.LastError = lastError
	}
	if status.IsTerminal() {
		sess.CompletedAt = &now
	}
	return s.save(ctx, sess)
}

// save writes the loop state only if the session is still active and at
// the iteration this loop claimed; otherwise it returns errStopped and
// leaves the stored row alone.
func (s *Service) save(ctx context.Context, sess domain.AutonomousSession) (domain.AutonomousSession, error) {
	return s.saveAt(ctx, sess, sess.CurrentIteration)
}

func (s *Service) saveAt(ctx context.Context, sess domain.AutonomousSession, iteration int) (domain.AutonomousSession, error) {
	now := s.now().UTC()
	sess.UpdatedAt = now
	sess.LastActivityAt = &now
	err := s.store.SaveSessionProgress(ctx, sess, iteration)
	if errors.Is(err, store.ErrStale) || errors.Is(err, domain.ErrNotFound) {
		s.metrics.RecordIteration("cancelled")
		return sess, errStopped
	}
	if err != nil {
		return sess, fmt.Errorf("save session: %w", err)
	}
	return sess, nil
}

func evaluationText(ev domain.ProgressEvaluation) string {
	if ev.Summary != "" {
		return ev.Summary
	}
	return fmt.Sprintf("Progress %d%%", ev.ProgressPercentage)
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
