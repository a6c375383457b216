package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped       = errors.New("queue manager stopped")
	ErrTimeout       = errors.New("job timed out")
	ErrHandlerExists = errors.New("queue handler already registered")
	ErrNilHandler    = errors.New("queue handler is nil")
	ErrQueueName     = errors.New("queue name is required")
)

// TimeoutError is returned to observers when a handler loses the timeout race.
// It matches ErrTimeout with errors.Is.
type TimeoutError struct {
	Queue   string
	JobID   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s on %s timed out after %s", e.JobID, e.Queue, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// NoRetry marks an error as non-retryable.
//
// Handlers wrap permanent failures with NoRetry so the manager drops the job
// immediately instead of backing off:
//
//	return queue.NoRetry(fmt.Errorf("batch %s: %w", id, err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter provides a suggested delay before retrying, overriding the
// exponential backoff (still bounded by Config.MaxRetryDelay).
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
