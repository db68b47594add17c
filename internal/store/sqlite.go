// Package store persists scheduled tasks, task executions and autonomous
// sessions in SQLite. Reads are by id; callers enforce ownership.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"agentflow/internal/domain"
)

// ErrStale means a conditional update found the row in a status it was not
// allowed to move from.
var ErrStale = errors.New("stale write")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS scheduled_tasks (
  id TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  name TEXT NOT NULL,
  prompt TEXT NOT NULL,
  spec_kind TEXT NOT NULL CHECK(spec_kind IN ('cron','interval')),
  spec_expression TEXT NOT NULL DEFAULT '',
  spec_value INTEGER NOT NULL DEFAULT 0,
  spec_unit TEXT NOT NULL DEFAULT '',
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run_at INTEGER,
  next_run_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_owner ON scheduled_tasks(owner, name);
CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_enabled ON scheduled_tasks(enabled, next_run_at);
CREATE TABLE IF NOT EXISTS scheduled_executions (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  owner TEXT NOT NULL,
  trigger TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','running','success','failed')),
  started_at INTEGER,
  completed_at INTEGER,
  duration_ms INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  thread_id TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_executions_task ON scheduled_executions(task_id, created_at DESC);
CREATE TABLE IF NOT EXISTS task_executions (
  id TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  goal TEXT NOT NULL,
  tool_sources TEXT NOT NULL DEFAULT '[]',
  strategy TEXT NOT NULL,
  current_step INTEGER NOT NULL DEFAULT 0,
  context TEXT NOT NULL,
  tool_call_history TEXT NOT NULL DEFAULT '[]',
  checkpoints TEXT NOT NULL DEFAULT '[]',
  retry_count INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL CHECK(status IN ('pending','running','paused','completed','failed')),
  last_error TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  started_at INTEGER,
  completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_task_executions_owner ON task_executions(owner, created_at DESC);
CREATE TABLE IF NOT EXISTS task_traces (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  trace_type TEXT NOT NULL,
  message TEXT NOT NULL,
  metadata TEXT NOT NULL DEFAULT '{}',
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_traces_task ON task_traces(task_id, id);
CREATE TABLE IF NOT EXISTS autonomous_sessions (
  id TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  name TEXT NOT NULL,
  goal TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('planning','executing','paused','completed','failed')),
  max_iterations INTEGER NOT NULL,
  current_iteration INTEGER NOT NULL DEFAULT 0,
  progress_percentage INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  completed_at INTEGER,
  last_activity_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_autonomous_sessions_owner ON autonomous_sessions(owner, created_at DESC);
CREATE TABLE IF NOT EXISTS autonomous_iterations (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  iteration_number INTEGER NOT NULL,
  phase TEXT NOT NULL,
  evaluation TEXT,
  plan TEXT,
  result TEXT,
  started_at INTEGER NOT NULL,
  completed_at INTEGER,
  duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_autonomous_iterations_session ON autonomous_iterations(session_id, iteration_number);
CREATE TABLE IF NOT EXISTS autonomous_observations (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  session_id TEXT NOT NULL,
  iteration_id TEXT NOT NULL DEFAULT '',
  type TEXT NOT NULL,
  content TEXT NOT NULL,
  metadata TEXT NOT NULL DEFAULT '{}',
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_autonomous_observations_session ON autonomous_observations(session_id, seq);
`
	_, err := db.Exec(schema)
	return err
}

type SQLite struct{ db *sql.DB }

func NewSQLite(db *sql.DB) *SQLite { return &SQLite{db: db} }

type scanner interface {
	Scan(dest ...any) error
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(b), nil
}

func fromJSON(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func mustAffect(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
