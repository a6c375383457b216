package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"bulkrun/internal/eventbus"
	"bulkrun/internal/model"
	"bulkrun/internal/notifier"
	"bulkrun/internal/processor"
	"bulkrun/internal/progress"
	"bulkrun/internal/queue"
	"bulkrun/internal/storage"
	logx "bulkrun/pkg/logx"
)

// DefaultFailureTolerance is the failed/total ratio below which a batch with
// failures still completes.
const DefaultFailureTolerance = 0.10

// Policy is the orchestrator-wide configuration. It can be swapped at runtime
// with SetPolicy.
type Policy struct {
	// FailureTolerance is compared strictly: failed/total < tolerance. nil
	// selects DefaultFailureTolerance.
	FailureTolerance *float64
	MaxItems         int           // submission cap, default 10000
	ErrorLimit       int           // Batch.Errors ring size, default 100
	RecentErrors     int           // errors returned by GetResults, default 10
	Poll             time.Duration // upper bound on waits for RETRYING items, default 1s
	JobTimeout       time.Duration // coordinating job timeout, default 1h
	JobAttempts      int           // coordinating job attempts, default 3
	Defaults         model.BatchConfig
}

// DefaultBatchConfig applies to fields a submission leaves unset.
func DefaultBatchConfig() model.BatchConfig {
	return model.BatchConfig{
		MaxConcurrency:     10,
		ParallelProcessing: true,
		RetryAttempts:      3,
		RetryDelay:         time.Second,
		Timeout:            30 * time.Second,
		Priority:           model.PriorityNormal,
	}
}

func (p Policy) withDefaults() Policy {
	if p.FailureTolerance == nil {
		t := DefaultFailureTolerance
		p.FailureTolerance = &t
	}
	if p.MaxItems <= 0 {
		p.MaxItems = 10000
	}
	if p.ErrorLimit <= 0 {
		p.ErrorLimit = model.DefaultErrorLimit
	}
	if p.RecentErrors <= 0 {
		p.RecentErrors = 10
	}
	if p.Poll <= 0 {
		p.Poll = time.Second
	}
	if p.JobTimeout <= 0 {
		p.JobTimeout = time.Hour
	}
	if p.JobAttempts <= 0 {
		p.JobAttempts = 3
	}
	def := DefaultBatchConfig()
	if p.Defaults == (model.BatchConfig{}) {
		p.Defaults = def
		return p
	}
	if p.Defaults.MaxConcurrency <= 0 {
		p.Defaults.MaxConcurrency = def.MaxConcurrency
	}
	if p.Defaults.RetryAttempts <= 0 {
		p.Defaults.RetryAttempts = def.RetryAttempts
	}
	if p.Defaults.RetryDelay <= 0 {
		p.Defaults.RetryDelay = def.RetryDelay
	}
	if p.Defaults.Timeout <= 0 {
		p.Defaults.Timeout = def.Timeout
	}
	if p.Defaults.Priority == "" {
		p.Defaults.Priority = def.Priority
	}
	return p
}

// succeeded applies the completion policy.
func (p Policy) succeeded(failed, total int) bool {
	if failed == 0 {
		return true
	}
	if total <= 0 {
		return false
	}
	return float64(failed)/float64(total) < *p.FailureTolerance
}

type Options struct {
	Store     storage.Store
	Queue     *queue.Manager
	Processor processor.Processor
	Notifier  notifier.Gateway
	Bus       eventbus.Bus
	Log       logx.Logger
	Metrics   *Metrics
	Policy    Policy

	// QueueConfig returns settings for a batch queue on first use. Zero fields
	// fall back to the queue manager defaults; a zero Timeout uses
	// Policy.JobTimeout.
	QueueConfig func(name string) queue.QueueConfig

	Now func() time.Time
}

// Service is the batch orchestrator. It is safe for concurrent use.
type Service struct {
	store   storage.Store
	queue   *queue.Manager
	proc    processor.Processor
	gateway notifier.Gateway
	bus     eventbus.Bus
	log     logx.Logger
	metrics *Metrics
	tracker *progress.Tracker
	now     func() time.Time

	pmu         sync.RWMutex
	policy      Policy
	queueConfig func(name string) queue.QueueConfig

	qmu    sync.Mutex
	queues map[string]bool
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("batch: store is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("batch: queue manager is required")
	}
	if opts.Processor == nil {
		return nil, errors.New("batch: processor is required")
	}
	if opts.Notifier == nil {
		opts.Notifier = notifier.Nop{}
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop{}
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:       opts.Store,
		queue:       opts.Queue,
		proc:        opts.Processor,
		gateway:     opts.Notifier,
		bus:         opts.Bus,
		log:         opts.Log.With(logx.String("comp", "batch")),
		metrics:     opts.Metrics,
		tracker:     progress.NewTracker(),
		now:         opts.Now,
		policy:      opts.Policy.withDefaults(),
		queueConfig: opts.QueueConfig,
		queues:      map[string]bool{},
	}, nil
}

func (s *Service) Policy() Policy {
	s.pmu.RLock()
	defer s.pmu.RUnlock()
	return s.policy
}

// SetPolicy applies to submissions and completions from now on.
func (s *Service) SetPolicy(p Policy) {
	s.pmu.Lock()
	s.policy = p.withDefaults()
	s.pmu.Unlock()
}

// SetQueueConfig replaces the per-queue settings source and reconfigures every
// batch queue already in use.
func (s *Service) SetQueueConfig(fn func(name string) queue.QueueConfig) {
	s.pmu.Lock()
	s.queueConfig = fn
	s.pmu.Unlock()

	s.qmu.Lock()
	names := make([]string, 0, len(s.queues))
	for n := range s.queues {
		names = append(names, n)
	}
	s.qmu.Unlock()
	for _, n := range names {
		if err := s.queue.Reconfigure(n, s.queueSettings(n)); err != nil {
			s.log.Warn("queue reconfigure failed", logx.String("queue", n), logx.Err(err))
		}
	}
}

// Totals reports process-wide item counters.
func (s *Service) Totals() progress.Totals { return s.tracker.Totals() }

// Subscribe streams batch.* and item.* events.
func (s *Service) Subscribe(buffer int) (<-chan eventbus.Event, func()) {
	return s.bus.Subscribe(buffer, "batch", "item")
}

func (s *Service) queueSettings(name string) queue.QueueConfig {
	s.pmu.RLock()
	fn := s.queueConfig
	jobTimeout := s.policy.JobTimeout
	s.pmu.RUnlock()
	var cfg queue.QueueConfig
	if fn != nil {
		cfg = fn(name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = jobTimeout
	}
	return cfg
}

// ensureQueue registers name with the orchestrator's handler once.
func (s *Service) ensureQueue(name string) error {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.queues[name] {
		return nil
	}
	if err := s.queue.RegisterQueue(name, s.queueSettings(name)); err != nil {
		return err
	}
	if err := s.queue.RegisterHandler(name, s.handle); err != nil && !errors.Is(err, queue.ErrHandlerExists) {
		return err
	}
	s.queues[name] = true
	return nil
}

// enqueue submits a fresh coordinating job and points the batch at it unless a
// handler already adopted a newer job.
func (s *Service) enqueue(ctx context.Context, b *model.Batch) (string, error) {
	pol := s.Policy()
	name, prio := Route(b.Type, b.Config.Priority)
	if err := s.ensureQueue(name); err != nil {
		return "", fmt.Errorf("register queue %s: %w", name, err)
	}
	prevJob := b.Queue.JobID
	jobID, err := s.queue.Enqueue(name, jobPayload{BatchID: b.ID}, queue.EnqueueOptions{Priority: prio, MaxAttempts: pol.JobAttempts})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", name, err)
	}
	_, err = s.store.UpdateBatch(ctx, b.ID, func(cur *model.Batch) error {
		if cur.Queue.JobID != prevJob {
			return errSkip
		}
		cur.Queue = model.QueueRef{Name: name, JobID: jobID}
		if cur.Status == model.BatchPending {
			cur.Status = model.BatchQueued
			cur.Progress.Stage = string(model.BatchQueued)
		}
		cur.UpdatedAt = s.now()
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) {
		s.queue.RemoveJob(name, jobID)
		return "", fmt.Errorf("record queue ref: %w", err)
	}
	return jobID, nil
}

// CreateBatch validates, persists and queues a submission.
func (s *Service) CreateBatch(ctx context.Context, ownerID string, req CreateRequest) (CreateResult, error) {
	pol := s.Policy()
	typ, cfg, verr := parseCreate(ownerID, req, pol)
	if verr != nil {
		s.log.Debug("batch rejected", logx.String("owner_id", ownerID), logx.String("field", verr.Field), logx.String("reason", verr.Reason))
		return CreateResult{Success: false, Error: verr}, nil
	}

	now := s.now()
	b := &model.Batch{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		Type:          typ,
		Status:        model.BatchPending,
		TotalItems:    len(req.Items),
		Config:        cfg,
		Notifications: req.Notifications,
		Progress:      model.Progress{Stage: string(model.BatchPending)},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	items := make([]*model.Item, len(req.Items))
	for i, raw := range req.Items {
		items[i] = &model.Item{
			ID:        uuid.NewString(),
			BatchID:   b.ID,
			Index:     i,
			Status:    model.ItemPending,
			Input:     raw,
			Retry:     model.RetryState{MaxRetries: cfg.RetryAttempts},
			Stages:    model.StagesFor(typ),
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	if err := s.store.CreateBatch(ctx, b, items); err != nil {
		return CreateResult{}, fmt.Errorf("persist batch: %w", err)
	}

	if _, err := s.enqueue(ctx, b); err != nil {
		s.forceFail(ctx, b, err)
		return CreateResult{}, err
	}

	s.metrics.batch(string(typ), string(model.BatchQueued))
	s.publishBatch("batch.queued", b, model.BatchQueued, nil)
	s.log.Info("batch queued",
		logx.String("batch_id", b.ID),
		logx.String("owner_id", ownerID),
		logx.String("type", string(typ)),
		logx.Int("items", b.TotalItems),
		logx.String("priority", string(cfg.Priority)),
	)
	return CreateResult{Success: true, BatchID: b.ID, TotalItems: b.TotalItems, Status: model.BatchQueued}, nil
}

// load returns the batch when it exists and belongs to ownerID.
func (s *Service) load(ctx context.Context, batchID, ownerID string) (*model.Batch, error) {
	b, ok, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !ok || b.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, batchID)
	}
	return b, nil
}

// CancelBatch stops future dispatch for a non-terminal batch. Items already
// running are not interrupted.
func (s *Service) CancelBatch(ctx context.Context, batchID, ownerID string) error {
	if _, err := s.load(ctx, batchID, ownerID); err != nil {
		return err
	}
	now := s.now()
	b, err := s.store.UpdateBatch(ctx, batchID, func(b *model.Batch) error {
		if !b.Status.Cancellable() {
			return fmt.Errorf("%w: cannot cancel batch in status %s", ErrInvalidTransition, b.Status)
		}
		b.Status = model.BatchCancelled
		b.Progress.Stage = string(model.BatchCancelled)
		b.Progress.CompletedAt = &now
		b.Progress.EstimatedRemaining = nil
		b.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	removed := false
	if b.Queue.Name != "" && b.Queue.JobID != "" {
		removed = s.queue.RemoveJob(b.Queue.Name, b.Queue.JobID)
	}
	s.metrics.batch(string(b.Type), string(model.BatchCancelled))
	s.publishBatch("batch.cancelled", b, b.Status, nil)
	s.log.Info("batch cancelled",
		logx.String("batch_id", batchID),
		logx.Int("processed", b.ProcessedItems),
		logx.Int("total", b.TotalItems),
		logx.Bool("job_removed", removed),
	)
	return nil
}

// RetryFailedItems reopens a COMPLETED or FAILED batch for its failed items.
// It returns how many items were moved back to PENDING; zero leaves the batch
// untouched.
func (s *Service) RetryFailedItems(ctx context.Context, batchID, ownerID string, opts RetryOptions) (int, error) {
	b, err := s.load(ctx, batchID, ownerID)
	if err != nil {
		return 0, err
	}
	if b.Status != model.BatchCompleted && b.Status != model.BatchFailed {
		return 0, fmt.Errorf("%w: cannot retry batch in status %s", ErrInvalidTransition, b.Status)
	}

	failed, _, err := s.store.ListItems(ctx, batchID, storage.ItemFilter{Statuses: []model.ItemStatus{model.ItemFailed}})
	if err != nil {
		return 0, err
	}
	var eligible []*model.Item
	for _, it := range failed {
		if opts.ResetAttempts || it.Retry.Count < it.Retry.MaxRetries {
			eligible = append(eligible, it)
		}
	}
	if len(eligible) == 0 {
		return 0, nil
	}

	now := s.now()
	var reopened []*model.Item
	for _, orig := range eligible {
		it, err := s.store.UpdateItem(ctx, batchID, orig.ID, func(it *model.Item) error {
			if it.Status != model.ItemFailed {
				return errSkip
			}
			it.Status = model.ItemPending
			it.Retry.NextAttemptAt = nil
			if opts.ResetAttempts {
				it.Retry.Count = 0
			}
			it.ResetStages()
			it.UpdatedAt = now
			return nil
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			s.restoreFailed(ctx, batchID, eligible, reopened)
			return 0, fmt.Errorf("reopen item %s: %w", orig.ID, err)
		}
		reopened = append(reopened, it)
	}
	n := len(reopened)
	if n == 0 {
		return 0, nil
	}

	prev := b
	b, err = s.store.UpdateBatch(ctx, batchID, func(b *model.Batch) error {
		if b.Status != model.BatchCompleted && b.Status != model.BatchFailed {
			return fmt.Errorf("%w: cannot retry batch in status %s", ErrInvalidTransition, b.Status)
		}
		prev = b.Clone()
		b.FailedItems -= n
		b.ProcessedItems -= n
		b.Status = model.BatchQueued
		b.Progress.Stage = string(model.BatchQueued)
		b.Progress.CompletedAt = nil
		b.Progress.Percentage = progress.Percentage(b.ProcessedItems, b.TotalItems)
		b.Progress.EstimatedRemaining = nil
		b.UpdatedAt = now
		return nil
	})
	if err != nil {
		s.restoreFailed(ctx, batchID, eligible, reopened)
		return 0, err
	}

	if _, err := s.enqueue(ctx, b); err != nil {
		s.restoreBatch(ctx, prev, n)
		s.restoreFailed(ctx, batchID, eligible, reopened)
		return 0, err
	}
	s.publishBatch("batch.queued", b, model.BatchQueued, nil)
	s.log.Info("batch retry queued", logx.String("batch_id", batchID), logx.Int("items", n), logx.Bool("reset_attempts", opts.ResetAttempts))
	return n, nil
}

// restoreFailed puts reopened items back to FAILED with their previous retry
// state and stages. Best effort.
func (s *Service) restoreFailed(ctx context.Context, batchID string, orig, reopened []*model.Item) {
	if len(reopened) == 0 {
		return
	}
	byID := make(map[string]*model.Item, len(orig))
	for _, it := range orig {
		byID[it.ID] = it
	}
	wctx := context.WithoutCancel(ctx)
	for _, it := range reopened {
		o := byID[it.ID]
		_, err := s.store.UpdateItem(wctx, batchID, it.ID, func(cur *model.Item) error {
			if cur.Status != model.ItemPending {
				return errSkip
			}
			cur.Status = model.ItemFailed
			cur.Retry = o.Retry
			cur.Stages = o.Stages
			cur.UpdatedAt = o.UpdatedAt
			return nil
		})
		if err != nil && !errors.Is(err, errSkip) {
			s.log.Warn("restore failed item", logx.String("batch_id", batchID), logx.String("item_id", it.ID), logx.Err(err))
		}
	}
}

// restoreBatch undoes the counter rollback of a retry that could not be queued.
func (s *Service) restoreBatch(ctx context.Context, prev *model.Batch, n int) {
	_, err := s.store.UpdateBatch(context.WithoutCancel(ctx), prev.ID, func(b *model.Batch) error {
		if b.Status != model.BatchQueued {
			return errSkip
		}
		b.FailedItems += n
		b.ProcessedItems += n
		b.Status = prev.Status
		b.Progress = prev.Progress
		b.UpdatedAt = prev.UpdatedAt
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) {
		s.log.Warn("restore batch after retry failure", logx.String("batch_id", prev.ID), logx.Err(err))
	}
}

// GetStatus is a pure read. ok is false for unknown batches and owner mismatch.
func (s *Service) GetStatus(ctx context.Context, batchID, ownerID string) (StatusView, bool, error) {
	b, err := s.load(ctx, batchID, ownerID)
	if errors.Is(err, ErrNotFound) {
		return StatusView{}, false, nil
	}
	if err != nil {
		return StatusView{}, false, err
	}
	return newStatusView(b), true, nil
}

// GetResults pages item outcomes with the most recent batch errors.
func (s *Service) GetResults(ctx context.Context, batchID, ownerID string, q ResultsQuery) (Results, bool, error) {
	b, err := s.load(ctx, batchID, ownerID)
	if errors.Is(err, ErrNotFound) {
		return Results{}, false, nil
	}
	if err != nil {
		return Results{}, false, err
	}
	pol := s.Policy()
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Errors <= 0 {
		q.Errors = pol.RecentErrors
	}

	items, total, err := s.store.ListItems(ctx, batchID, storage.ItemFilter{Statuses: q.Statuses, Limit: q.Limit, Offset: q.Offset})
	if err != nil {
		return Results{}, false, err
	}
	res := Results{
		BatchID:    b.ID,
		Status:     b.Status,
		Items:      make([]ItemResult, 0, len(items)),
		ItemsTotal: total,
		Summary: Summary{
			Total:          b.TotalItems,
			Processed:      b.ProcessedItems,
			Successful:     b.SuccessfulItems,
			Failed:         b.FailedItems,
			Skipped:        b.SkippedItems,
			ProcessingTime: b.Metrics.ProcessingTime,
			Throughput:     b.Metrics.Throughput,
		},
	}
	for _, it := range items {
		res.Items = append(res.Items, ItemResult{
			ID:             it.ID,
			Index:          it.Index,
			Status:         it.Status,
			Output:         it.Output,
			Error:          it.LastError,
			Attempts:       it.Metrics.Attempts,
			ProcessingTime: it.Metrics.ProcessingTime,
		})
	}
	errs := b.Errors
	if len(errs) > q.Errors {
		errs = errs[len(errs)-q.Errors:]
	}
	res.Errors = append([]model.ErrorRecord{}, errs...)
	return res, true, nil
}

// ListBatches returns the owner's batches, newest first, and the unpaged total.
func (s *Service) ListBatches(ctx context.Context, ownerID string, q ListQuery) ([]StatusView, int, error) {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	f := storage.BatchFilter{OwnerID: ownerID, Type: q.Type, Limit: q.Limit, Offset: q.Offset}
	if q.Status != "" {
		f.Statuses = []model.BatchStatus{q.Status}
	}
	list, total, err := s.store.ListBatches(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	out := make([]StatusView, len(list))
	for i, b := range list {
		out[i] = newStatusView(b)
	}
	return out, total, nil
}

func (s *Service) QueueStatus(name string) (queue.Status, bool) { return s.queue.Status(name) }

func (s *Service) AllQueueStatuses() map[string]queue.Status { return s.queue.AllStatuses() }

// Reconcile re-enqueues batches persisted as QUEUED or PROCESSING whose
// coordinating job is gone, which is the case for every such batch after a
// restart. Items left RUNNING go back to PENDING.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	list, _, err := s.store.ListBatches(ctx, storage.BatchFilter{
		Statuses: []model.BatchStatus{model.BatchQueued, model.BatchProcessing},
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range list {
		if b.Queue.Name != "" && b.Queue.JobID != "" && s.queue.Has(b.Queue.Name, b.Queue.JobID) {
			continue
		}
		if err := s.resetRunning(ctx, b.ID); err != nil {
			return n, err
		}
		jobID, err := s.enqueue(ctx, b)
		if err != nil {
			return n, err
		}
		n++
		s.log.Info("batch re-enqueued", logx.String("batch_id", b.ID), logx.String("status", string(b.Status)), logx.String("job", jobID))
	}
	return n, nil
}

// PruneBefore deletes terminal batches last updated before cutoff.
func (s *Service) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	list, _, err := s.store.ListBatches(ctx, storage.BatchFilter{
		Statuses:      []model.BatchStatus{model.BatchCompleted, model.BatchFailed, model.BatchCancelled},
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range list {
		if err := s.store.DeleteBatch(ctx, b.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return n, err
		}
		n++
	}
	return n, nil
}

// resetRunning puts items orphaned in RUNNING back to PENDING without charging
// the attempt.
func (s *Service) resetRunning(ctx context.Context, batchID string) error {
	running, _, err := s.store.ListItems(ctx, batchID, storage.ItemFilter{Statuses: []model.ItemStatus{model.ItemRunning}})
	if err != nil {
		return err
	}
	for _, it := range running {
		_, err := s.store.UpdateItem(ctx, batchID, it.ID, func(it *model.Item) error {
			if it.Status != model.ItemRunning {
				return errSkip
			}
			it.Status = model.ItemPending
			if it.Metrics.Attempts > 0 {
				it.Metrics.Attempts--
			}
			it.UpdatedAt = s.now()
			return nil
		})
		if err != nil && !errors.Is(err, errSkip) {
			return err
		}
	}
	return nil
}

func (s *Service) publishBatch(typ string, b *model.Batch, status model.BatchStatus, err error) {
	ev := BatchEvent{
		BatchID:   b.ID,
		OwnerID:   b.OwnerID,
		Type:      b.Type,
		Status:    status,
		Processed: b.ProcessedItems,
		Total:     b.TotalItems,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}

func (s *Service) publishItem(typ string, it *model.Item, err error) {
	ev := ItemEvent{
		BatchID: it.BatchID,
		ItemID:  it.ID,
		Index:   it.Index,
		Status:  it.Status,
		Attempt: it.Metrics.Attempts,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}
