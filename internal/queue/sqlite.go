package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentflow/internal/sqlitedb"
)

var (
	ErrEmpty     = errors.New("no jobs ready")
	ErrNotFound  = errors.New("job not found")
	ErrLeaseLost = errors.New("job lease lost")
)

const (
	DefaultPriority          = 5
	DefaultMaxAttempts       = 5
	DefaultVisibilityTimeout = 5 * time.Minute
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  ref TEXT NOT NULL DEFAULT '',
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 5,
  state TEXT NOT NULL CHECK(state IN ('queued','running','succeeded','failed')) DEFAULT 'queued',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  run_at INTEGER NOT NULL,
  visibility_timeout_ms INTEGER NOT NULL,
  lease_token TEXT,
  leased_at INTEGER,
  leased_until INTEGER,
  last_error TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(state, run_at, priority DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_kind_ref ON jobs(kind, ref);
CREATE TABLE IF NOT EXISTS job_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id TEXT NOT NULL,
  started_at INTEGER,
  finished_at INTEGER NOT NULL,
  outcome TEXT NOT NULL,
  error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_job_attempts_job ON job_attempts(job_id);
`
	_, err := db.Exec(schema)
	return err
}

// Repository is the queue engine: at-least-once delivery of jobs by id with
// engine-managed retry and backoff.
type Repository interface {
	Enqueue(ctx context.Context, j Job, opts Options) error
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Job, error)
	LeaseNext(ctx context.Context, now time.Time) (Job, Lease, error)
	Succeed(ctx context.Context, id string, lease Lease) error
	Retry(ctx context.Context, id string, lease Lease, errMsg string, delay time.Duration) (State, error)
	Fail(ctx context.Context, id string, lease Lease, errMsg string) error
	RecoverStale(ctx context.Context, now time.Time) (int, error)
	ListRecent(ctx context.Context, limit int) ([]Job, error)
	Attempts(ctx context.Context, id string) ([]Attempt, error)
}

type SQLite struct {
	db                *sql.DB
	visibilityTimeout time.Duration
}

type Option func(*SQLite)

// WithVisibilityTimeout sets the lease length for jobs enqueued without one.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(r *SQLite) {
		if d > 0 {
			r.visibilityTimeout = d
		}
	}
}

func NewSQLite(db *sql.DB, opts ...Option) *SQLite {
	r := &SQLite{db: db, visibilityTimeout: DefaultVisibilityTimeout}
	for _, o := range opts {
		o(r)
	}
	return r
}

// DB returns the underlying database connection.
func (r *SQLite) DB() *sql.DB { return r.db }

// Enqueue inserts j, or resets the existing job with the same id back to
// queued. Resetting a running job detaches its lease, so the in-flight
// delivery can no longer complete or retry it.
func (r *SQLite) Enqueue(ctx context.Context, j Job, opts Options) error {
	if j.ID == "" {
		j.ID = "job_" + uuid.NewString()
	}
	if j.Kind == "" {
		return fmt.Errorf("enqueue %s: kind is required", j.ID)
	}
	if opts.VisibilityTimeout == 0 {
		opts.VisibilityTimeout = r.visibilityTimeout
	}
	opts = opts.withDefaults()
	if len(j.Payload) == 0 {
		j.Payload = json.RawMessage(`{}`)
	}

	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO jobs (id,kind,ref,payload,priority,state,attempts,max_attempts,run_at,visibility_timeout_ms,lease_token,leased_at,leased_until,last_error,created_at,updated_at)
VALUES (?,?,?,?,?,'queued',0,?,?,?,NULL,NULL,NULL,'',?,?)
ON CONFLICT(id) DO UPDATE SET
  kind=excluded.kind, ref=excluded.ref, payload=excluded.payload, priority=excluded.priority,
  state='queued', attempts=0, max_attempts=excluded.max_attempts, run_at=excluded.run_at,
  visibility_timeout_ms=excluded.visibility_timeout_ms, lease_token=NULL, leased_at=NULL,
  leased_until=NULL, last_error='', updated_at=excluded.updated_at
`, j.ID, j.Kind, j.Ref, []byte(j.Payload), opts.Priority, opts.MaxAttempts,
		sqlitedb.Millis(now.Add(opts.Delay)), opts.VisibilityTimeout.Milliseconds(),
		sqlitedb.Millis(now), sqlitedb.Millis(now))
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", j.ID, err)
	}
	return nil
}

// Remove deletes the job. A delivery already in flight finishes, but its
// completion is discarded and nothing is redelivered.
func (r *SQLite) Remove(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id)
	return err
}

const jobColumns = `id,kind,ref,payload,priority,state,attempts,max_attempts,run_at,visibility_timeout_ms,last_error,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (Job, error) {
	var (
		j                          Job
		payload                    []byte
		runAt, vt, created, update int64
	)
	if err := s.Scan(&j.ID, &j.Kind, &j.Ref, &payload, &j.Priority, &j.State, &j.Attempts, &j.MaxAttempts,
		&runAt, &vt, &j.LastError, &created, &update); err != nil {
		return Job{}, err
	}
	j.Payload = json.RawMessage(payload)
	j.RunAt = sqlitedb.FromMillis(runAt)
	j.VisibilityTimeout = time.Duration(vt) * time.Millisecond
	j.CreatedAt = sqlitedb.FromMillis(created)
	j.UpdatedAt = sqlitedb.FromMillis(update)
	return j, nil
}

func (r *SQLite) Get(ctx context.Context, id string) (Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// LeaseNext claims the highest-priority due job. The returned lease must be
// presented to Succeed, Retry or Fail.
func (r *SQLite) LeaseNext(ctx context.Context, now time.Time) (Job, Lease, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, Lease{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE state='queued' AND run_at <= ?
ORDER BY priority DESC, run_at ASC, created_at ASC
LIMIT 1
`, sqlitedb.Millis(now))
	var j Job
	j, err = scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrEmpty
		return Job{}, Lease{}, err
	}
	if err != nil {
		return Job{}, Lease{}, err
	}

	lease := Lease{Token: uuid.NewString(), Until: now.Add(j.VisibilityTimeout)}
	_, err = tx.ExecContext(ctx, `
UPDATE jobs SET state='running', attempts=attempts+1, lease_token=?, leased_at=?, leased_until=?, updated_at=?
WHERE id=?`, lease.Token, sqlitedb.Millis(now), sqlitedb.Millis(lease.Until), sqlitedb.Millis(now), j.ID)
	if err != nil {
		return Job{}, Lease{}, err
	}
	if err = tx.Commit(); err != nil {
		return Job{}, Lease{}, err
	}
	j.State = StateRunning
	j.Attempts++
	return j, lease, nil
}

func (r *SQLite) Succeed(ctx context.Context, id string, lease Lease) error {
	return r.finish(ctx, id, lease, `state='succeeded'`, "succeeded", "")
}

func (r *SQLite) Fail(ctx context.Context, id string, lease Lease, errMsg string) error {
	return r.finish(ctx, id, lease, `state='failed'`, "failed", errMsg)
}

// Retry puts the job back with a delay, or fails it once attempts are spent.
// It returns the state the job ended up in.
func (r *SQLite) Retry(ctx context.Context, id string, lease Lease, errMsg string, delay time.Duration) (State, error) {
	runAt := sqlitedb.Millis(time.Now().Add(delay))
	set := fmt.Sprintf(`state = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END, run_at=%d`, runAt)
	if err := r.finish(ctx, id, lease, set, "retried", errMsg); err != nil {
		return "", err
	}
	var st State
	if err := r.db.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id=?`, id).Scan(&st); err != nil {
		return "", err
	}
	return st, nil
}

func (r *SQLite) finish(ctx context.Context, id string, lease Lease, set, outcome, errMsg string) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var leasedAt sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT leased_at FROM jobs WHERE id=? AND lease_token=?`, id, lease.Token).Scan(&leasedAt)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrLeaseLost
		return err
	}
	if err != nil {
		return err
	}

	now := sqlitedb.Millis(time.Now())
	if _, err = tx.ExecContext(ctx, `
UPDATE jobs SET `+set+`, lease_token=NULL, leased_at=NULL, leased_until=NULL, last_error=?, updated_at=?
WHERE id=? AND lease_token=?`, errMsg, now, id, lease.Token); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `
INSERT INTO job_attempts(job_id, started_at, finished_at, outcome, error) VALUES (?,?,?,?,?)`,
		id, leasedAt, now, outcome, errMsg); err != nil {
		return err
	}
	return tx.Commit()
}

// RecoverStale requeues running jobs whose lease expired, which is how a
// crashed worker's jobs get redelivered.
func (r *SQLite) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET state = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
    run_at=?, lease_token=NULL, leased_at=NULL, leased_until=NULL,
    last_error='lease expired', updated_at=?
WHERE state='running' AND leased_until < ?`, sqlitedb.Millis(now), sqlitedb.Millis(now), sqlitedb.Millis(now))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *SQLite) ListRecent(ctx context.Context, limit int) ([]Job, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Attempts returns the finished deliveries of a job, oldest first.
func (r *SQLite) Attempts(ctx context.Context, id string) ([]Attempt, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT started_at, finished_at, outcome, error FROM job_attempts WHERE job_id=? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a        Attempt
			started  sql.NullInt64
			finished int64
		)
		if err := rows.Scan(&started, &finished, &a.Outcome, &a.Error); err != nil {
			return nil, err
		}
		a.StartedAt = sqlitedb.FromNullMillis(started)
		a.FinishedAt = sqlitedb.FromMillis(finished)
		out = append(out, a)
	}
	return out, rows.Err()
}
