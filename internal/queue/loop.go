package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "bulkrun/pkg/logx"
)

// loop dispatches until ctx is cancelled. It wakes on enqueue, handler
// registration, resume, completion and retry, and at least every IdleTick.
func (m *Manager) loop(ctx context.Context, q *queueState) error {
	tick := time.NewTicker(m.cfg.IdleTick)
	defer tick.Stop()
	for {
		m.dispatch(ctx, q)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		case <-tick.C:
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, q *queueState) {
	for ctx.Err() == nil {
		m.mu.Lock()
		if q.paused || q.pending.Len() == 0 {
			m.mu.Unlock()
			return
		}
		if q.handler == nil {
			m.noteStalledLocked(q)
			m.mu.Unlock()
			return
		}
		if len(q.inflight) >= q.cfg.Concurrency {
			m.mu.Unlock()
			return
		}
		j := q.pending.pop()
		j.Attempts++
		j.StartedAt = time.Now()
		q.inflight[j.ID] = j
		h := q.handler
		timeout := q.cfg.Timeout
		snap := *j
		m.metrics.depth(q.name, q.pending.Len(), len(q.inflight))
		m.handlers.Add(1)
		m.mu.Unlock()

		m.publish(EventStarted, jobEvent(&snap))
		go m.execute(ctx, q, j, snap, h, timeout)
	}
}

// noteStalledLocked reports jobs waiting on a queue with no handler. Each job
// is counted once; the warning is throttled. Caller holds m.mu.
func (m *Manager) noteStalledLocked(q *queueState) {
	var fresh []JobEvent
	for _, j := range q.pending {
		if j.stalled {
			continue
		}
		j.stalled = true
		m.metrics.stall(q.name)
		fresh = append(fresh, jobEvent(j))
	}
	if len(fresh) == 0 {
		return
	}
	for _, ev := range fresh {
		m.publish(EventStalled, ev)
	}
	if !m.log.IsZero() && m.shouldWarn(&m.lastStallWarnAt, time.Now()) {
		m.log.Warn("jobs waiting on queue without handler",
			logx.String("queue", q.name),
			logx.Int("pending", q.pending.Len()),
		)
	}
}

// execute runs one attempt. The handler gets a context cancelled at the
// timeout; if the timeout fires first the attempt fails with ErrTimeout and a
// late handler result is discarded.
func (m *Manager) execute(ctx context.Context, q *queueState, j *Job, snap Job, h Handler, timeout time.Duration) {
	defer m.handlers.Done()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if !m.log.IsZero() {
					m.log.Error("job handler panicked", logx.String("queue", q.name), logx.String("job", snap.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- h(runCtx, snap)
	}()

	var err error
	select {
	case err = <-done:
	case <-runCtx.Done():
		if ctx.Err() != nil {
			err = ErrStopped
		} else {
			err = &TimeoutError{Queue: q.name, JobID: j.ID, Timeout: timeout}
		}
	}
	m.finish(q, j, err)
}

func (m *Manager) finish(q *queueState, j *Job, err error) {
	now := time.Now()

	m.mu.Lock()
	delete(q.inflight, j.ID)
	j.FinishedAt = now
	dur := now.Sub(j.StartedAt)
	ev := jobEvent(j)
	ev.Duration = dur

	switch {
	case err == nil:
		m.metrics.depth(q.name, q.pending.Len(), len(q.inflight))
		m.mu.Unlock()
		m.metrics.observe(q.name, "completed", dur)
		m.publish(EventCompleted, ev)

	case m.stopped || errors.Is(err, ErrStopped):
		m.mu.Unlock()
		m.metrics.observe(q.name, "aborted", dur)
		m.log.Debug("job aborted by shutdown", logx.String("queue", q.name), logx.String("job", j.ID))
		return

	case !IsNoRetry(err) && j.Attempts < j.MaxAttempts:
		delay := m.backoff(q.cfg.RetryDelay, j.Attempts, err)
		id := j.ID
		q.delayed[id] = &delayedJob{job: j, timer: time.AfterFunc(delay, func() { m.requeue(q, id) })}
		m.metrics.depth(q.name, q.pending.Len(), len(q.inflight))
		m.mu.Unlock()

		ev.RetryIn = delay
		ev.Error = err.Error()
		m.metrics.observe(q.name, "retried", dur)
		m.publish(EventRetrying, ev)
		m.log.Debug("job retry scheduled", logx.String("queue", q.name), logx.String("job", id), logx.Int("attempt", j.Attempts), logx.Duration("delay", delay), logx.Err(err))

	default:
		m.metrics.depth(q.name, q.pending.Len(), len(q.inflight))
		m.mu.Unlock()

		ev.Error = err.Error()
		outcome := "failed"
		if errors.Is(err, ErrTimeout) {
			outcome = "timeout"
		}
		m.metrics.observe(q.name, outcome, dur)
		m.publish(EventFailed, ev)
		m.log.Warn("job failed", logx.String("queue", q.name), logx.String("job", j.ID), logx.Int("attempts", j.Attempts), logx.Err(err))
	}
	signal(q)
}

// requeue moves a delayed job back to pending once its backoff elapsed.
func (m *Manager) requeue(q *queueState, id string) {
	m.mu.Lock()
	dj, ok := q.delayed[id]
	if !ok || m.stopped {
		m.mu.Unlock()
		return
	}
	delete(q.delayed, id)
	m.insSeq++
	dj.job.seq = m.insSeq
	q.pending.push(dj.job)
	m.metrics.depth(q.name, q.pending.Len(), len(q.inflight))
	m.mu.Unlock()
	signal(q)
}

// backoff returns base*2^(attempt-1), or the error's RetryAfter hint when
// present, capped at Config.MaxRetryDelay.
func (m *Manager) backoff(base time.Duration, attempt int, err error) time.Duration {
	d := backoffDelay(base, attempt)
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d = ra.RetryAfter()
	}
	if limit := m.cfg.MaxRetryDelay; limit > 0 && d > limit {
		d = limit
	}
	return d
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d > time.Duration(1<<62)/2 {
			return time.Duration(1 << 62)
		}
		d *= 2
	}
	return d
}
