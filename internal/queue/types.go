package queue

import (
	"context"
	"time"
)

// Config controls the manager as a whole.
type Config struct {
	// IdleTick bounds how long a queue loop sleeps without a wake signal.
	// Loops wake immediately on enqueue/completion; the tick is a safety net.
	IdleTick time.Duration

	// Defaults apply to queues registered implicitly (Enqueue/RegisterHandler)
	// and fill zero fields of explicit registrations.
	Defaults QueueConfig

	// MaxRetryDelay caps the exponential backoff. 0 means uncapped.
	MaxRetryDelay time.Duration
}

// QueueConfig is the per-queue policy.
type QueueConfig struct {
	Concurrency   int           `json:"concurrency"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
	Timeout       time.Duration `json:"timeout"`
}

// DefaultQueueConfig: concurrency 5, 3 attempts, 1s base delay, 30s timeout.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Concurrency:   5,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
		Timeout:       30 * time.Second,
	}
}

func (c QueueConfig) withDefaults(def QueueConfig) QueueConfig {
	base := DefaultQueueConfig()
	if def.Concurrency <= 0 {
		def.Concurrency = base.Concurrency
	}
	if def.RetryAttempts <= 0 {
		def.RetryAttempts = base.RetryAttempts
	}
	if def.RetryDelay <= 0 {
		def.RetryDelay = base.RetryDelay
	}
	if def.Timeout <= 0 {
		def.Timeout = base.Timeout
	}

	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = def.RetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	return c
}

// Handler processes one job. ctx is cancelled when the job's timeout elapses.
type Handler func(ctx context.Context, job Job) error

type EnqueueOptions struct {
	// Priority orders pending jobs ascending; equal priorities keep insertion order.
	Priority int
	// MaxAttempts overrides the queue's RetryAttempts when > 0.
	MaxAttempts int
}

// Job is an ephemeral scheduling wrapper around opaque data.
// Handlers receive a copy; mutating it has no effect on the manager.
type Job struct {
	ID          string
	Queue       string
	Data        any
	Priority    int
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time

	seq     uint64
	stalled bool
}

// Status is the introspection view of one queue.
type Status struct {
	Name        string `json:"name"`
	Pending     int    `json:"pending"`
	Processing  int    `json:"processing"`
	Delayed     int    `json:"delayed"`
	Total       int    `json:"total"`
	Concurrency int    `json:"concurrency"`
	Paused      bool   `json:"paused"`
	HasHandler  bool   `json:"has_handler"`
}

// EventKind names a job lifecycle transition. Events are published on the
// event bus with Type == string(kind) and Data == JobEvent.
type EventKind string

const (
	EventStarted   EventKind = "job.started"
	EventCompleted EventKind = "job.completed"
	EventRetrying  EventKind = "job.retrying"
	EventFailed    EventKind = "job.failed"
	// EventStalled fires once per job that is waiting on a queue with no handler.
	EventStalled EventKind = "job.stalled"
)

// JobEvent is the payload for every EventKind.
type JobEvent struct {
	Kind        EventKind     `json:"kind"`
	JobID       string        `json:"job_id"`
	Queue       string        `json:"queue"`
	Priority    int           `json:"priority"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	Duration    time.Duration `json:"duration,omitempty"`
	RetryIn     time.Duration `json:"retry_in,omitempty"`
	Error       string        `json:"error,omitempty"`
}
