package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agentflow/internal/domain"
	"agentflow/internal/sqlitedb"
)

const scheduledTaskColumns = `id, owner, name, prompt, spec_kind, spec_expression, spec_value, spec_unit,
  enabled, last_run_at, next_run_at, created_at, updated_at`

func scanScheduledTask(row scanner) (domain.ScheduledTask, error) {
	var (
		t                  domain.ScheduledTask
		kind, unit         string
		enabled            int
		lastRun, nextRun   sql.NullInt64
		createdAt, updated int64
	)
	err := row.Scan(&t.ID, &t.Owner, &t.Name, &t.Prompt, &kind, &t.Spec.Expression, &t.Spec.Value, &unit,
		&enabled, &lastRun, &nextRun, &createdAt, &updated)
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	t.Spec.Kind = domain.ScheduleKind(kind)
	t.Spec.Unit = domain.IntervalUnit(unit)
	t.Enabled = enabled == 1
	t.LastRunAt = sqlitedb.FromNullMillis(lastRun)
	t.NextRunAt = sqlitedb.FromNullMillis(nextRun)
	t.CreatedAt = sqlitedb.FromMillis(createdAt)
	t.UpdatedAt = sqlitedb.FromMillis(updated)
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLite) CreateScheduledTask(ctx context.Context, t domain.ScheduledTask) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO scheduled_tasks (`+scheduledTaskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Owner, t.Name, t.Prompt, string(t.Spec.Kind), t.Spec.Expression, t.Spec.Value, string(t.Spec.Unit),
		boolInt(t.Enabled), sqlitedb.NullMillis(t.LastRunAt), sqlitedb.NullMillis(t.NextRunAt),
		sqlitedb.Millis(t.CreatedAt), sqlitedb.Millis(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert scheduled task: %w", err)
	}
	return nil
}

func (s *SQLite) GetScheduledTask(ctx context.Context, id string) (domain.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduledTaskColumns+` FROM scheduled_tasks WHERE id=?`, id)
	t, err := scanScheduledTask(row)
	if err != nil {
		return domain.ScheduledTask{}, notFound(err)
	}
	return t, nil
}

func (s *SQLite) ListScheduledTasks(ctx context.Context, owner string) ([]domain.ScheduledTask, error) {
	return s.queryScheduledTasks(ctx, `SELECT `+scheduledTaskColumns+` FROM scheduled_tasks WHERE owner=? ORDER BY created_at, id`, owner)
}

// ListEnabledScheduledTasks returns every enabled definition across owners.
func (s *SQLite) ListEnabledScheduledTasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	return s.queryScheduledTasks(ctx, `SELECT `+scheduledTaskColumns+` FROM scheduled_tasks WHERE enabled=1 ORDER BY next_run_at`)
}

func (s *SQLite) queryScheduledTasks(ctx context.Context, query string, args ...any) ([]domain.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateScheduledTask writes the definition's settings and next run.
// last_run_at belongs to MarkScheduledRun and is left alone.
func (s *SQLite) UpdateScheduledTask(ctx context.Context, t domain.ScheduledTask) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET name=?, prompt=?, spec_kind=?, spec_expression=?,
  spec_value=?, spec_unit=?, enabled=?, next_run_at=?, updated_at=? WHERE id=?`,
		t.Name, t.Prompt, string(t.Spec.Kind), t.Spec.Expression, t.Spec.Value, string(t.Spec.Unit),
		boolInt(t.Enabled), sqlitedb.NullMillis(t.NextRunAt),
		sqlitedb.Millis(t.UpdatedAt), t.ID)
	return mustAffect(res, err)
}

// MarkScheduledRun records a run. A nil next leaves next_run_at unchanged.
// updated_at is not touched: it tracks edits to the definition.
func (s *SQLite) MarkScheduledRun(ctx context.Context, id string, lastRun time.Time, next *time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET last_run_at=?, next_run_at=COALESCE(?, next_run_at) WHERE id=?`,
		sqlitedb.Millis(lastRun), sqlitedb.NullMillis(next), id)
	return mustAffect(res, err)
}

// DeleteScheduledTask removes the definition and its execution history.
func (s *SQLite) DeleteScheduledTask(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id=?`, id)
	if err := mustAffect(res, err); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_executions WHERE task_id=?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

const executionColumns = `id, task_id, owner, trigger, status, started_at, completed_at, duration_ms, error, thread_id, created_at`

func scanExecution(row scanner) (domain.ScheduledExecution, error) {
	var (
		e                  domain.ScheduledExecution
		trigger, status    string
		started, completed sql.NullInt64
		createdAt          int64
	)
	err := row.Scan(&e.ID, &e.TaskID, &e.Owner, &trigger, &status, &started, &completed,
		&e.DurationMs, &e.Error, &e.ThreadID, &createdAt)
	if err != nil {
		return domain.ScheduledExecution{}, err
	}
	e.Trigger = domain.Trigger(trigger)
	e.Status = domain.ExecutionStatus(status)
	e.StartedAt = sqlitedb.FromNullMillis(started)
	e.CompletedAt = sqlitedb.FromNullMillis(completed)
	e.CreatedAt = sqlitedb.FromMillis(createdAt)
	return e, nil
}

func (s *SQLite) CreateExecution(ctx context.Context, e domain.ScheduledExecution) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO scheduled_executions (`+executionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TaskID, e.Owner, string(e.Trigger), string(e.Status),
		sqlitedb.NullMillis(e.StartedAt), sqlitedb.NullMillis(e.CompletedAt),
		e.DurationMs, e.Error, e.ThreadID, sqlitedb.Millis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// UpdateExecution writes the execution's state. When from is non-empty the
// write only applies if the stored status is one of from; otherwise ErrStale.
func (s *SQLite) UpdateExecution(ctx context.Context, e domain.ScheduledExecution, from ...domain.ExecutionStatus) error {
	query := `UPDATE scheduled_executions SET status=?, started_at=?, completed_at=?,
  duration_ms=?, error=?, thread_id=? WHERE id=?`
	args := []any{string(e.Status), sqlitedb.NullMillis(e.StartedAt), sqlitedb.NullMillis(e.CompletedAt),
		e.DurationMs, e.Error, e.ThreadID, e.ID}
	if len(from) > 0 {
		query += ` AND status IN (` + placeholders(len(from)) + `)`
		for _, st := range from {
			args = append(args, string(st))
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err := mustAffect(res, err); err != nil {
		if errors.Is(err, domain.ErrNotFound) && len(from) > 0 {
			if _, gerr := s.GetExecution(ctx, e.ID); gerr == nil {
				return ErrStale
			}
		}
		return err
	}
	return nil
}

func (s *SQLite) GetExecution(ctx context.Context, id string) (domain.ScheduledExecution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM scheduled_executions WHERE id=?`, id))
	if err != nil {
		return domain.ScheduledExecution{}, notFound(err)
	}
	return e, nil
}

// ListExecutions returns the newest executions of a definition first.
func (s *SQLite) ListExecutions(ctx context.Context, taskID string, limit int) ([]domain.ScheduledExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+executionColumns+` FROM scheduled_executions
WHERE task_id=? ORDER BY created_at DESC, id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ScheduledExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
