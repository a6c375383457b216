package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bulkrun/internal/eventbus"
	rtsup "bulkrun/internal/runtime/supervisor"
	logx "bulkrun/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Manager owns a set of named in-memory priority queues. Each queue has its
// own loop goroutine that dispatches pending jobs to the queue's handler while
// fewer than Concurrency jobs are running.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	metrics *Metrics

	queues map[string]*queueState

	sup     *rtsup.Supervisor
	stopped bool

	// running handlers, waited on by Stop
	handlers sync.WaitGroup

	insSeq uint64

	lastStallWarnAt int64
}

type queueState struct {
	name     string
	cfg      QueueConfig
	handler  Handler
	paused   bool
	pending  jobHeap
	inflight map[string]*Job
	delayed  map[string]*delayedJob
	wake     chan struct{}
	looping  bool
}

type delayedJob struct {
	job   *Job
	timer *time.Timer
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, metrics *Metrics) *Manager {
	if cfg.IdleTick <= 0 {
		cfg.IdleTick = 100 * time.Millisecond
	}
	cfg.Defaults = cfg.Defaults.withDefaults(DefaultQueueConfig())
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Manager{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		metrics: metrics,
		queues:  make(map[string]*queueState),
	}
}

// Start launches one supervised loop per registered queue. Queues registered
// later get their loop on registration. Start is idempotent.
func (m *Manager) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.sup != nil || m.stopped {
		m.mu.Unlock()
		return
	}
	m.sup = rtsup.New(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "queue"))),
		rtsup.WithCancelOnError(false),
	)
	names := make([]string, 0, len(m.queues))
	for name, q := range m.queues {
		m.startLoopLocked(q)
		names = append(names, name)
	}
	m.mu.Unlock()

	sort.Strings(names)
	m.log.Info("queue manager started", logx.Any("queues", names), logx.Duration("idle_tick", m.cfg.IdleTick))
}

// Stop cancels every loop, drops delayed retries and waits for running
// handlers to return or ctx to expire. The manager cannot be restarted.
func (m *Manager) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	sup := m.sup
	for _, q := range m.queues {
		for id, dj := range q.delayed {
			dj.timer.Stop()
			delete(q.delayed, id)
		}
	}
	m.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	done := make(chan struct{})
	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		m.handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info("queue manager stopped")
		return nil
	case <-ctx.Done():
		m.log.Warn("queue manager stop timed out", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

// Supervisor returns the loop supervisor (nil before Start), for /healthz.
func (m *Manager) Supervisor() *rtsup.Supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sup
}

// Subscribe returns a channel of job lifecycle events. Data is a JobEvent.
func (m *Manager) Subscribe(buffer int) (<-chan eventbus.Event, func()) {
	return m.bus.Subscribe(buffer, "job")
}

// RegisterQueue creates a queue. Zero fields take the manager defaults.
// Registering an existing queue is a no-op; use Reconfigure to change it.
func (m *Manager) RegisterQueue(name string, cfg QueueConfig) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrQueueName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if _, ok := m.queues[name]; ok {
		return nil
	}
	q := m.queueLocked(name)
	q.cfg = cfg.withDefaults(m.cfg.Defaults)
	return nil
}

// Reconfigure replaces the policy of a queue, creating it when needed. Jobs
// already enqueued keep their MaxAttempts; a raised concurrency applies on
// the next wake.
func (m *Manager) Reconfigure(name string, cfg QueueConfig) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrQueueName
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	q := m.queueLocked(name)
	q.cfg = cfg.withDefaults(m.cfg.Defaults)
	m.mu.Unlock()

	m.log.Debug("queue reconfigured", logx.String("queue", name), logx.Int("concurrency", q.cfg.Concurrency), logx.Int("retry_attempts", q.cfg.RetryAttempts))
	signal(q)
	return nil
}

// RegisterHandler binds the handler of a queue, creating the queue with
// defaults when needed. A queue has at most one handler.
func (m *Manager) RegisterHandler(name string, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrQueueName
	}
	if h == nil {
		return ErrNilHandler
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	q := m.queueLocked(name)
	if q.handler != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrHandlerExists, name)
	}
	q.handler = h
	m.mu.Unlock()

	m.log.Debug("queue handler registered", logx.String("queue", name))
	signal(q)
	return nil
}

// Enqueue adds a job to the named queue, creating the queue with defaults when
// needed. Jobs may be enqueued before Start and before a handler exists; they
// wait in priority order.
func (m *Manager) Enqueue(name string, data any, opt EnqueueOptions) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrQueueName
	}
	now := time.Now()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return "", ErrStopped
	}
	q := m.queueLocked(name)
	maxAttempts := opt.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.RetryAttempts
	}
	m.insSeq++
	j := &Job{
		ID:          newJobID(),
		Queue:       name,
		Data:        data,
		Priority:    opt.Priority,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		seq:         m.insSeq,
	}
	q.pending.push(j)
	m.metrics.depth(name, q.pending.Len(), len(q.inflight))
	id := j.ID
	m.mu.Unlock()

	m.log.Debug("job enqueued", logx.String("queue", name), logx.String("job", id), logx.Int("priority", opt.Priority))
	signal(q)
	return id, nil
}

// RemoveJob drops a pending or delayed job. Running jobs cannot be removed.
func (m *Manager) RemoveJob(name, jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[name]
	if q == nil {
		return false
	}
	if _, ok := q.pending.remove(jobID); ok {
		m.metrics.depth(name, q.pending.Len(), len(q.inflight))
		return true
	}
	if dj, ok := q.delayed[jobID]; ok {
		dj.timer.Stop()
		delete(q.delayed, jobID)
		return true
	}
	return false
}

// Has reports whether jobID is still owned by the queue: pending, running or
// waiting out a retry backoff.
func (m *Manager) Has(name, jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[name]
	if q == nil {
		return false
	}
	if _, ok := q.inflight[jobID]; ok {
		return true
	}
	if _, ok := q.delayed[jobID]; ok {
		return true
	}
	for _, j := range q.pending {
		if j.ID == jobID {
			return true
		}
	}
	return false
}

// DequeueAll drops every pending and delayed job of a queue and returns how
// many were removed. Running jobs are unaffected.
func (m *Manager) DequeueAll(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[name]
	if q == nil {
		return 0
	}
	n := q.pending.Len() + len(q.delayed)
	q.pending = nil
	for id, dj := range q.delayed {
		dj.timer.Stop()
		delete(q.delayed, id)
	}
	m.metrics.depth(name, 0, len(q.inflight))
	return n
}

// Pause stops dispatching new jobs from a queue. Running jobs continue.
func (m *Manager) Pause(name string) bool {
	m.mu.Lock()
	q := m.queues[name]
	if q != nil {
		q.paused = true
	}
	m.mu.Unlock()
	return q != nil
}

func (m *Manager) Resume(name string) bool {
	m.mu.Lock()
	q := m.queues[name]
	if q != nil {
		q.paused = false
	}
	m.mu.Unlock()
	if q != nil {
		signal(q)
	}
	return q != nil
}

func (m *Manager) Status(name string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[name]
	if q == nil {
		return Status{}, false
	}
	return q.status(), true
}

// AllStatuses returns the status of every known queue keyed by name.
func (m *Manager) AllStatuses() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.queues))
	for name, q := range m.queues {
		out[name] = q.status()
	}
	return out
}

func (q *queueState) status() Status {
	st := Status{
		Name:        q.name,
		Pending:     q.pending.Len(),
		Processing:  len(q.inflight),
		Delayed:     len(q.delayed),
		Concurrency: q.cfg.Concurrency,
		Paused:      q.paused,
		HasHandler:  q.handler != nil,
	}
	st.Total = st.Pending + st.Processing + st.Delayed
	return st
}

// queueLocked returns the named queue, creating it with defaults. Caller holds m.mu.
func (m *Manager) queueLocked(name string) *queueState {
	q := m.queues[name]
	if q != nil {
		return q
	}
	q = &queueState{
		name:     name,
		cfg:      m.cfg.Defaults,
		inflight: make(map[string]*Job),
		delayed:  make(map[string]*delayedJob),
		wake:     make(chan struct{}, 1),
	}
	m.queues[name] = q
	if m.sup != nil {
		m.startLoopLocked(q)
	}
	return q
}

func (m *Manager) startLoopLocked(q *queueState) {
	if q.looping {
		return
	}
	q.looping = true
	m.sup.GoRestart("queue."+q.name, func(ctx context.Context) error {
		return m.loop(ctx, q)
	})
}

func newJobID() string { return "job-" + uuid.NewString() }

func (m *Manager) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (m *Manager) publish(kind EventKind, ev JobEvent) {
	ev.Kind = kind
	m.bus.Publish(eventbus.Event{Type: string(kind), Time: time.Now(), Data: ev})
}

func jobEvent(j *Job) JobEvent {
	return JobEvent{
		JobID:       j.ID,
		Queue:       j.Queue,
		Priority:    j.Priority,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
	}
}

// signal wakes the queue loop without blocking.
func signal(q *queueState) {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
