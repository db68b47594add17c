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

const sessionColumns = `id, owner, name, goal, status, max_iterations, current_iteration, progress_percentage,
  last_error, created_at, updated_at, completed_at, last_activity_at`

func scanSession(row scanner) (domain.AutonomousSession, error) {
	var (
		s                    domain.AutonomousSession
		status               string
		createdAt, updatedAt int64
		completed, activity  sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.Owner, &s.Name, &s.Goal, &status, &s.MaxIterations, &s.CurrentIteration,
		&s.ProgressPercentage, &s.LastError, &createdAt, &updatedAt, &completed, &activity)
	if err != nil {
		return domain.AutonomousSession{}, err
	}
	s.Status = domain.SessionStatus(status)
	s.CreatedAt = sqlitedb.FromMillis(createdAt)
	s.UpdatedAt = sqlitedb.FromMillis(updatedAt)
	s.CompletedAt = sqlitedb.FromNullMillis(completed)
	s.LastActivityAt = sqlitedb.FromNullMillis(activity)
	return s, nil
}

func (s *SQLite) CreateSession(ctx context.Context, sess domain.AutonomousSession) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO autonomous_sessions (`+sessionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sess.ID, sess.Owner, sess.Name, sess.Goal, string(sess.Status), sess.MaxIterations, sess.CurrentIteration,
		sess.ProgressPercentage, sess.LastError, sqlitedb.Millis(sess.CreatedAt), sqlitedb.Millis(sess.UpdatedAt),
		sqlitedb.NullMillis(sess.CompletedAt), sqlitedb.NullMillis(sess.LastActivityAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLite) GetSession(ctx context.Context, id string) (domain.AutonomousSession, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM autonomous_sessions WHERE id=?`, id))
	if err != nil {
		return domain.AutonomousSession{}, notFound(err)
	}
	return sess, nil
}

// ListSessions returns an owner's sessions, newest first.
func (s *SQLite) ListSessions(ctx context.Context, owner string) ([]domain.AutonomousSession, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM autonomous_sessions
WHERE owner=? ORDER BY created_at DESC, id DESC`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AutonomousSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSessionSettings writes the user-editable fields. Loop state is left
// alone, so an edit never rolls back a running session.
func (s *SQLite) UpdateSessionSettings(ctx context.Context, id, name, goal string, maxIterations int, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE autonomous_sessions SET name=?, goal=?, max_iterations=?, updated_at=? WHERE id=?`,
		name, goal, maxIterations, sqlitedb.Millis(at), id)
	return mustAffect(res, err)
}

// TransitionSession moves a session whose stored status is one of from to
// status to. A non-empty lastError replaces the stored one; completed_at is
// set when to is terminal. ErrStale when the status did not match.
func (s *SQLite) TransitionSession(ctx context.Context, id string, to domain.SessionStatus, lastError string, at time.Time, from ...domain.SessionStatus) error {
	var completed *time.Time
	if to.IsTerminal() {
		completed = &at
	}
	args := []any{string(to), lastError, sqlitedb.NullMillis(completed), sqlitedb.Millis(at), sqlitedb.Millis(at), id}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx, `UPDATE autonomous_sessions SET status=?, last_error=COALESCE(NULLIF(?,''), last_error),
  completed_at=COALESCE(?, completed_at), updated_at=?, last_activity_at=? WHERE id=? AND status IN (`+placeholders(len(from))+`)`, args...)
	return s.staleSession(ctx, id, mustAffect(res, err))
}

// SaveSessionProgress writes the loop state of an active session. The write
// only applies while the stored row is still active and at iteration; a
// cancelled session or a second loop that moved it on gets ErrStale.
func (s *SQLite) SaveSessionProgress(ctx context.Context, sess domain.AutonomousSession, iteration int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE autonomous_sessions SET status=?, current_iteration=?, progress_percentage=?,
  last_error=?, completed_at=?, updated_at=?, last_activity_at=?
WHERE id=? AND status IN (?,?) AND current_iteration=?`,
		string(sess.Status), sess.CurrentIteration, sess.ProgressPercentage, sess.LastError,
		sqlitedb.NullMillis(sess.CompletedAt), sqlitedb.Millis(sess.UpdatedAt), sqlitedb.NullMillis(sess.LastActivityAt),
		sess.ID, string(domain.SessionPlanning), string(domain.SessionExecuting), iteration)
	return s.staleSession(ctx, sess.ID, mustAffect(res, err))
}

func (s *SQLite) staleSession(ctx context.Context, id string, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		if _, gerr := s.GetSession(ctx, id); gerr == nil {
			return ErrStale
		}
	}
	return err
}

// DeleteSession removes the session with its iterations and observations.
func (s *SQLite) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM autonomous_sessions WHERE id=?`, id)
	if err := mustAffect(res, err); err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM autonomous_iterations WHERE session_id=?`,
		`DELETE FROM autonomous_observations WHERE session_id=?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const iterationColumns = `id, session_id, iteration_number, phase, evaluation, plan, result, started_at, completed_at, duration_ms`

// SaveIteration inserts or replaces an iteration row.
func (s *SQLite) SaveIteration(ctx context.Context, it domain.AutonomousIteration) error {
	enc := func(v any, present bool) (sql.NullString, error) {
		if !present {
			return sql.NullString{}, nil
		}
		js, err := toJSON(v)
		return sql.NullString{String: js, Valid: err == nil}, err
	}
	eval, err := enc(it.Evaluation, it.Evaluation != nil)
	if err != nil {
		return err
	}
	plan, err := enc(it.Plan, it.Plan != nil)
	if err != nil {
		return err
	}
	result, err := enc(it.Result, it.Result != nil)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO autonomous_iterations (`+iterationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET phase=excluded.phase, evaluation=excluded.evaluation, plan=excluded.plan,
  result=excluded.result, completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		it.ID, it.SessionID, it.Number, string(it.Phase), eval, plan, result,
		sqlitedb.Millis(it.StartedAt), sqlitedb.NullMillis(it.CompletedAt), it.DurationMs)
	if err != nil {
		return fmt.Errorf("save iteration: %w", err)
	}
	return nil
}

// ListIterations returns a session's iterations in order.
func (s *SQLite) ListIterations(ctx context.Context, sessionID string) ([]domain.AutonomousIteration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+iterationColumns+` FROM autonomous_iterations
WHERE session_id=? ORDER BY iteration_number, started_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AutonomousIteration
	for rows.Next() {
		var (
			it                 domain.AutonomousIteration
			phase              string
			eval, plan, result sql.NullString
			started            int64
			completed          sql.NullInt64
		)
		if err := rows.Scan(&it.ID, &it.SessionID, &it.Number, &phase, &eval, &plan, &result,
			&started, &completed, &it.DurationMs); err != nil {
			return nil, err
		}
		if eval.Valid {
			it.Evaluation = &domain.ProgressEvaluation{}
			if err := fromJSON(eval, it.Evaluation); err != nil {
				return nil, err
			}
		}
		if plan.Valid {
			it.Plan = &domain.ActionPlan{}
			if err := fromJSON(plan, it.Plan); err != nil {
				return nil, err
			}
		}
		if result.Valid {
			it.Result = &domain.ActionResult{}
			if err := fromJSON(result, it.Result); err != nil {
				return nil, err
			}
		}
		it.Phase = domain.IterationPhase(phase)
		it.StartedAt = sqlitedb.FromMillis(started)
		it.CompletedAt = sqlitedb.FromNullMillis(completed)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *SQLite) AddObservation(ctx context.Context, o domain.AutonomousObservation) error {
	if o.Metadata == nil {
		o.Metadata = map[string]any{}
	}
	meta, err := toJSON(o.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO autonomous_observations (id, session_id, iteration_id, type, content, metadata, created_at)
VALUES (?,?,?,?,?,?,?)`, o.ID, o.SessionID, o.IterationID, string(o.Type), o.Content, meta, sqlitedb.Millis(o.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert observation: %w", err)
	}
	return nil
}

// ListObservations returns the most recent limit observations in insertion
// order. A non-positive limit returns all of them.
func (s *SQLite) ListObservations(ctx context.Context, sessionID string, limit int) ([]domain.AutonomousObservation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, iteration_id, type, content, metadata, created_at FROM (
  SELECT * FROM autonomous_observations WHERE session_id=? ORDER BY seq DESC LIMIT ?
) ORDER BY seq`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AutonomousObservation
	for rows.Next() {
		var (
			o         domain.AutonomousObservation
			typ       string
			meta      sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&o.ID, &o.SessionID, &o.IterationID, &typ, &o.Content, &meta, &createdAt); err != nil {
			return nil, err
		}
		if err := fromJSON(meta, &o.Metadata); err != nil {
			return nil, err
		}
		o.Type = domain.ObservationType(typ)
		o.CreatedAt = sqlitedb.FromMillis(createdAt)
		out = append(out, o)
	}
	return out, rows.Err()
}
