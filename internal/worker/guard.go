package worker

import (
	"context"
	"errors"

	"agentflow/internal/domain"
)

// ErrSkip marks a delivery that has nothing to do. The job completes and no
// retry happens.
var ErrSkip = errors.New("skip")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the job fails without further retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Reload is the idempotence guard for every handler. It loads the entity a
// job points at and returns ErrSkip when it no longer exists or active
// rejects it. Other load errors are returned as is so the queue retries.
func Reload[T any](ctx context.Context, id string, load func(context.Context, string) (T, error), active func(T) bool) (T, error) {
	var zero T
	v, err := load(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return zero, ErrSkip
	}
	if err != nil {
		return zero, err
	}
	if active != nil && !active(v) {
		return zero, ErrSkip
	}
	return v, nil
}
