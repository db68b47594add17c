// Package queue is a durable job queue on SQLite. Jobs are addressed by id,
// delivered at least once, and retried with backoff by the queue itself.
package queue

import (
	"encoding/json"
	"time"
)

type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// IsTerminal reports whether the queue will never deliver the job again.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Job references the entity to work on by Ref; Payload carries only what is
// needed to find it again.
type Job struct {
	ID                string          `json:"id"`
	Kind              string          `json:"kind"`
	Ref               string          `json:"ref"`
	Payload           json.RawMessage `json:"payload"`
	Priority          int             `json:"priority"`
	Attempts          int             `json:"attempts"`
	MaxAttempts       int             `json:"max_attempts"`
	State             State           `json:"state"`
	RunAt             time.Time       `json:"run_at"`
	VisibilityTimeout time.Duration   `json:"visibility_timeout"`
	LastError         string          `json:"last_error,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type Options struct {
	Priority          int
	Delay             time.Duration
	MaxAttempts       int
	VisibilityTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Priority == 0 {
		o.Priority = DefaultPriority
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.VisibilityTimeout == 0 {
		o.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	return o
}

// Lease proves ownership of one delivery.
type Lease struct {
	Token string
	Until time.Time
}

type Attempt struct {
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time  `json:"finished_at"`
	Outcome    string     `json:"outcome"`
	Error      string     `json:"error,omitempty"`
}

// Backoff is the delay before redelivering after the given number of
// attempts: 1s, 2s, 4s ... capped at one minute.
func Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	if attempts > 7 {
		return time.Minute
	}
	d := time.Duration(1<<(attempts-1)) * time.Second
	if d > time.Minute {
		d = time.Minute
	}
	return d
}
