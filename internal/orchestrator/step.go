package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"agentflow/internal/domain"
	"agentflow/internal/engine"
	"agentflow/internal/queue"
	"agentflow/internal/store"
	"agentflow/internal/worker"
)

type stepPayload struct {
	Step int `json:"step"`
}

func runnable(t domain.TaskExecution) bool {
	return t.Status == domain.TaskPending || t.Status == domain.TaskRunning
}

// HandleStep executes one step of a task. Step failures are handled here
// (retry with backoff, then fail the task); only store errors go back to
// the queue.
func (o *Orchestrator) HandleStep(ctx context.Context, job queue.Job) error {
	var p stepPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return worker.Permanent(fmt.Errorf("invalid step payload: %w", err))
	}
	t, err := worker.Reload(ctx, job.Ref, o.store.GetTask, runnable)
	if err != nil {
		return err
	}
	if p.Step == t.CurrentStep-1 && t.Status == domain.TaskRunning && t.CurrentStep < len(t.Strategy.Steps) {
		// Redelivery of a step whose result is saved: its successor may
		// never have been queued.
		queued, err := o.ensureStep(ctx, t)
		if err != nil {
			return err
		}
		if !queued {
			return worker.ErrSkip
		}
		return nil
	}
	if p.Step != t.CurrentStep || p.Step >= len(t.Strategy.Steps) {
		return worker.ErrSkip
	}
	logger := o.log.With().Str("task_id", t.ID).Int("step", p.Step).Logger()

	if t.Status == domain.TaskPending {
		now := o.now().UTC()
		t.Status = domain.TaskRunning
		t.StartedAt = &now
		t.UpdatedAt = now
		if err := o.store.UpdateTask(ctx, t, domain.TaskPending); err != nil {
			if errors.Is(err, store.ErrStale) {
				return worker.ErrSkip
			}
			return fmt.Errorf("start task: %w", err)
		}
	}

	reg, err := o.catalog.Compose(t.ToolSources)
	if err != nil {
		return o.fail(ctx, t, fmt.Sprintf("compose tools: %v", err))
	}

	step := t.Strategy.Steps[p.Step]
	o.trace(ctx, t.ID, domain.TraceDecision, fmt.Sprintf("Executing step %d/%d: %s", p.Step+1, t.Strategy.TotalSteps, step.Description),
		map[string]any{"step": p.Step, "type": step.Type})

	sctx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	res, execErr := o.engine.Execute(sctx, engine.Request{
		Goal:    t.Goal,
		Prompt:  stepPrompt(t, step, p.Step),
		Context: &t.Context,
		Tools:   reg,
	})
	cancel()

	// Cancellation may have happened while the engine was working.
	cur, err := o.store.GetTask(ctx, t.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return worker.ErrSkip
	}
	if err != nil {
		return fmt.Errorf("reload task: %w", err)
	}
	if cur.Status != domain.TaskRunning || cur.CurrentStep != p.Step {
		logger.Info().Str("status", string(cur.Status)).Msg("task changed during step; result discarded")
		return worker.ErrSkip
	}
	t = cur

	if execErr == nil && !res.Success {
		execErr = errors.New(res.Error)
	}
	if execErr != nil {
		o.metrics.RecordStep("failed")
		return o.stepFailed(ctx, t, p.Step, execErr.Error())
	}
	o.metrics.RecordStep("completed")
	return o.stepSucceeded(ctx, t, p.Step, res)
}

func stepPrompt(t domain.TaskExecution, step domain.Step, n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", t.Goal)
	fmt.Fprintf(&b, "Step %d of %d (%s): %s\n", n+1, t.Strategy.TotalSteps, step.Type, step.Description)
	if t.Context.Summary != "" {
		fmt.Fprintf(&b, "Summary so far: %s\n", t.Context.Summary)
	}
	return b.String()
}

func (o *Orchestrator) stepSucceeded(ctx context.Context, t domain.TaskExecution, n int, res engine.Result) error {
	now := o.now().UTC()

	if t.Context.Findings == nil {
		t.Context.Findings = map[string]string{}
	}
	t.Context.Findings[fmt.Sprintf("step_%d", n+1)] = res.Output
	for _, tr := range res.ToolResults {
		tr.Step = n
		if tr.At.IsZero() {
			tr.At = now
		}
		t.Context.ToolResults = append(t.Context.ToolResults, tr)
		t.ToolCallHistory = append(t.ToolCallHistory, tr)
		o.trace(ctx, t.ID, domain.TraceToolCall, "Called "+tr.Tool, map[string]any{"step": n, "error": tr.Error})
	}
	t.Context.Messages = append(t.Context.Messages, res.Messages...)
	o.compact(ctx, &t)

	o.trace(ctx, t.ID, domain.TraceStepResult, fmt.Sprintf("Step %d completed", n+1), map[string]any{
		"step":      n,
		"output":    clip(res.Output, 500),
		"thread_id": res.ThreadID,
	})

	t.Checkpoints = append(t.Checkpoints, domain.Checkpoint{
		Step: n + 1, Summary: t.Context.Summary, Findings: len(t.Context.Findings), CreatedAt: now,
	})
	o.trace(ctx, t.ID, domain.TraceCheckpoint, fmt.Sprintf("Checkpoint after step %d", n+1), map[string]any{"findings": len(t.Context.Findings)})

	t.CurrentStep = n + 1
	t.RetryCount = 0
	t.LastError = ""
	t.UpdatedAt = now
	done := t.CurrentStep >= t.Strategy.TotalSteps
	if done {
		t.Status = domain.TaskCompleted
		t.CompletedAt = &now
	}
	if err := o.store.UpdateTask(ctx, t, domain.TaskRunning); err != nil {
		if errors.Is(err, store.ErrStale) {
			return worker.ErrSkip
		}
		return fmt.Errorf("save step result: %w", err)
	}
	if done {
		o.trace(ctx, t.ID, domain.TraceDecision, "Task completed", nil)
		o.log.Info().Str("task_id", t.ID).Msg("task completed")
		return nil
	}
	return o.enqueueStep(ctx, t.ID, t.CurrentStep, 0)
}

// compact folds older messages into the summary once the history grows past
// the threshold. Findings are left alone.
func (o *Orchestrator) compact(ctx context.Context, t *domain.TaskExecution) {
	msgs := t.Context.Messages
	if len(msgs) <= o.cfg.SummarizeAfter {
		return
	}
	cut := len(msgs) - keepRecentMessages
	if cut <= 0 {
		return
	}
	in := msgs[:cut]
	if t.Context.Summary != "" {
		in = append([]domain.Message{{Role: "system", Content: "Earlier summary: " + t.Context.Summary}}, in...)
	}
	summary, err := o.engine.Summarize(ctx, t.Goal, in)
	if err != nil || strings.TrimSpace(summary) == "" {
		o.log.Warn().Err(err).Str("task_id", t.ID).Msg("summarize context; keeping full history")
		return
	}
	t.Context.Summary = summary
	t.Context.Messages = append([]domain.Message(nil), msgs[cut:]...)
}

func (o *Orchestrator) stepFailed(ctx context.Context, t domain.TaskExecution, n int, msg string) error {
	now := o.now().UTC()
	t.LastError = msg
	t.UpdatedAt = now
	o.trace(ctx, t.ID, domain.TraceError, fmt.Sprintf("Step %d failed: %s", n+1, msg), map[string]any{
		"step":        n,
		"retry_count": t.RetryCount,
	})

	if t.RetryCount >= o.cfg.MaxRetries {
		return o.fail(ctx, t, msg)
	}
	t.RetryCount++
	if err := o.store.UpdateTask(ctx, t, domain.TaskRunning); err != nil {
		if errors.Is(err, store.ErrStale) {
			return worker.ErrSkip
		}
		return fmt.Errorf("record step failure: %w", err)
	}
	o.log.Warn().Str("task_id", t.ID).Int("step", n).Int("retry_count", t.RetryCount).Str("error", msg).Msg("step failed; retrying")
	return o.enqueueStep(ctx, t.ID, n, queue.Backoff(t.RetryCount))
}

// fail moves the task to failed. There is no automatic recovery from here.
func (o *Orchestrator) fail(ctx context.Context, t domain.TaskExecution, msg string) error {
	now := o.now().UTC()
	t.Status = domain.TaskFailed
	t.LastError = msg
	t.CompletedAt = &now
	t.UpdatedAt = now
	if err := o.store.UpdateTask(ctx, t, domain.TaskPending, domain.TaskRunning); err != nil {
		if errors.Is(err, store.ErrStale) {
			return worker.ErrSkip
		}
		return fmt.Errorf("fail task: %w", err)
	}
	o.trace(ctx, t.ID, domain.TraceDecision, "Task failed: "+msg, map[string]any{"retry_count": t.RetryCount})
	o.log.Warn().Str("task_id", t.ID).Str("error", msg).Msg("task failed")
	return nil
}

// clip shortens s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
