package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"agentflow/internal/domain"
	"agentflow/internal/sqlitedb"
)

const taskColumns = `id, owner, goal, tool_sources, strategy, current_step, context, tool_call_history,
  checkpoints, retry_count, status, last_error, created_at, updated_at, started_at, completed_at`

func scanTask(row scanner) (domain.TaskExecution, error) {
	var (
		t                                        domain.TaskExecution
		sources, strategy, tctx, history, checks sql.NullString
		status                                   string
		createdAt, updatedAt                     int64
		started, completed                       sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.Owner, &t.Goal, &sources, &strategy, &t.CurrentStep, &tctx, &history,
		&checks, &t.RetryCount, &status, &t.LastError, &createdAt, &updatedAt, &started, &completed)
	if err != nil {
		return domain.TaskExecution{}, err
	}
	for _, f := range []struct {
		src sql.NullString
		dst any
	}{
		{sources, &t.ToolSources},
		{strategy, &t.Strategy},
		{tctx, &t.Context},
		{history, &t.ToolCallHistory},
		{checks, &t.Checkpoints},
	} {
		if err := fromJSON(f.src, f.dst); err != nil {
			return domain.TaskExecution{}, fmt.Errorf("task %s: %w", t.ID, err)
		}
	}
	if t.Context.Findings == nil {
		t.Context.Findings = map[string]string{}
	}
	t.Status = domain.TaskStatus(status)
	t.CreatedAt = sqlitedb.FromMillis(createdAt)
	t.UpdatedAt = sqlitedb.FromMillis(updatedAt)
	t.StartedAt = sqlitedb.FromNullMillis(started)
	t.CompletedAt = sqlitedb.FromNullMillis(completed)
	return t, nil
}

type taskJSON struct {
	sources, strategy, context, history, checkpoints string
}

func encodeTask(t domain.TaskExecution) (taskJSON, error) {
	var (
		out taskJSON
		err error
	)
	if t.ToolSources == nil {
		t.ToolSources = []string{}
	}
	if out.sources, err = toJSON(t.ToolSources); err != nil {
		return out, err
	}
	if out.strategy, err = toJSON(t.Strategy); err != nil {
		return out, err
	}
	if out.context, err = toJSON(t.Context); err != nil {
		return out, err
	}
	if out.history, err = toJSON(t.ToolCallHistory); err != nil {
		return out, err
	}
	out.checkpoints, err = toJSON(t.Checkpoints)
	return out, err
}

func (s *SQLite) CreateTask(ctx context.Context, t domain.TaskExecution) error {
	j, err := encodeTask(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO task_executions (`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Owner, t.Goal, j.sources, j.strategy, t.CurrentStep, j.context, j.history,
		j.checkpoints, t.RetryCount, string(t.Status), t.LastError,
		sqlitedb.Millis(t.CreatedAt), sqlitedb.Millis(t.UpdatedAt),
		sqlitedb.NullMillis(t.StartedAt), sqlitedb.NullMillis(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *SQLite) GetTask(ctx context.Context, id string) (domain.TaskExecution, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_executions WHERE id=?`, id))
	if err != nil {
		return domain.TaskExecution{}, notFound(err)
	}
	return t, nil
}

// ListTasks returns an owner's tasks, newest first.
func (s *SQLite) ListTasks(ctx context.Context, owner string, limit int) ([]domain.TaskExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM task_executions
WHERE owner=? ORDER BY created_at DESC, id DESC LIMIT ?`, owner, limit)
}

// ListActiveTasks returns every pending or running task, oldest first.
func (s *SQLite) ListActiveTasks(ctx context.Context) ([]domain.TaskExecution, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM task_executions
WHERE status IN (?,?) ORDER BY created_at, id`, string(domain.TaskPending), string(domain.TaskRunning))
}

func (s *SQLite) queryTasks(ctx context.Context, query string, args ...any) ([]domain.TaskExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TaskExecution
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTask writes the full row. When from is non-empty the write only
// applies if the stored status is one of from; otherwise ErrStale.
func (s *SQLite) UpdateTask(ctx context.Context, t domain.TaskExecution, from ...domain.TaskStatus) error {
	j, err := encodeTask(t)
	if err != nil {
		return err
	}
	query := `UPDATE task_executions SET tool_sources=?, strategy=?, current_step=?, context=?, tool_call_history=?,
  checkpoints=?, retry_count=?, status=?, last_error=?, updated_at=?, started_at=?, completed_at=? WHERE id=?`
	args := []any{j.sources, j.strategy, t.CurrentStep, j.context, j.history,
		j.checkpoints, t.RetryCount, string(t.Status), t.LastError, sqlitedb.Millis(t.UpdatedAt),
		sqlitedb.NullMillis(t.StartedAt), sqlitedb.NullMillis(t.CompletedAt), t.ID}
	if len(from) > 0 {
		query += ` AND status IN (` + placeholders(len(from)) + `)`
		for _, st := range from {
			args = append(args, string(st))
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err := mustAffect(res, err); err != nil {
		if errors.Is(err, domain.ErrNotFound) && len(from) > 0 {
			if _, gerr := s.GetTask(ctx, t.ID); gerr == nil {
				return ErrStale
			}
		}
		return err
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *SQLite) AppendTrace(ctx context.Context, tr domain.TaskTrace) (int64, error) {
	if tr.Metadata == nil {
		tr.Metadata = map[string]any{}
	}
	meta, err := toJSON(tr.Metadata)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO task_traces (task_id, trace_type, message, metadata, created_at) VALUES (?,?,?,?,?)`,
		tr.TaskID, string(tr.Type), tr.Message, meta, sqlitedb.Millis(tr.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert trace: %w", err)
	}
	return res.LastInsertId()
}

// ListTraces returns the most recent limit traces of a task in insertion
// order. A non-positive limit returns all of them.
func (s *SQLite) ListTraces(ctx context.Context, taskID string, limit int) ([]domain.TaskTrace, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, trace_type, message, metadata, created_at FROM (
  SELECT * FROM task_traces WHERE task_id=? ORDER BY id DESC LIMIT ?
) ORDER BY id`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TaskTrace
	for rows.Next() {
		var (
			tr        domain.TaskTrace
			typ       string
			meta      sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&tr.ID, &tr.TaskID, &typ, &tr.Message, &meta, &createdAt); err != nil {
			return nil, err
		}
		if err := fromJSON(meta, &tr.Metadata); err != nil {
			return nil, err
		}
		tr.Type = domain.TraceType(typ)
		tr.CreatedAt = sqlitedb.FromMillis(createdAt)
		out = append(out, tr)
	}
	return out, rows.Err()
}
