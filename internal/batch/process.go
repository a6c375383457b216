package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"bulkrun/internal/model"
	"bulkrun/internal/processor"
	"bulkrun/internal/progress"
	"bulkrun/internal/queue"
	"bulkrun/internal/storage"
	logx "bulkrun/pkg/logx"
)

// handle is the queue handler for every batch queue.
func (s *Service) handle(ctx context.Context, j queue.Job) error {
	p, ok := j.Data.(jobPayload)
	if !ok {
		return queue.NoRetry(fmt.Errorf("unexpected job payload %T", j.Data))
	}
	return s.processBatch(ctx, p.BatchID, &j)
}

// ProcessBatch drains a batch outside the queue manager. The queue handler
// runs the same code path.
func (s *Service) ProcessBatch(ctx context.Context, batchID string) error {
	return s.processBatch(ctx, batchID, nil)
}

// processBatch returns nil when the batch reached a terminal state or was
// cancelled, a NoRetry error when a status transition could not be recorded,
// and any other error to have the coordinating job retried.
func (s *Service) processBatch(ctx context.Context, batchID string, j *queue.Job) error {
	log := s.log.With(logx.String("batch_id", batchID))

	b, ok, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if !ok {
		return queue.NoRetry(fmt.Errorf("%w: %s", ErrNotFound, batchID))
	}
	if b.Status.Terminal() {
		return nil
	}
	if j != nil && b.Queue.JobID != "" && b.Queue.JobID != j.ID && s.queue.Has(b.Queue.Name, b.Queue.JobID) {
		log.Debug("stale coordinating job", logx.String("job", j.ID), logx.String("current", b.Queue.JobID))
		return nil
	}

	cur := b
	fresh := false
	now := s.now()
	b, err = s.store.UpdateBatch(ctx, batchID, func(b *model.Batch) error {
		if b.Status.Terminal() {
			return errSkip
		}
		b.Status = model.BatchProcessing
		b.Progress.Stage = string(model.BatchProcessing)
		if b.Progress.StartedAt == nil {
			b.Progress.StartedAt = &now
			fresh = true
		}
		if j != nil {
			b.Queue = model.QueueRef{Name: j.Queue, JobID: j.ID, Attempts: j.Attempts}
		}
		b.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return s.forceFail(ctx, cur, fmt.Errorf("mark processing: %w", err))
	}

	s.metrics.processing(1)
	defer s.metrics.processing(-1)
	s.publishBatch("batch.started", b, b.Status, nil)
	if fresh && b.Notifications.OnStart {
		s.notify(ctx, log, "start", func(c context.Context) error { return s.gateway.OnStart(c, b) })
	}
	log.Info("batch processing",
		logx.String("type", string(b.Type)),
		logx.Int("total", b.TotalItems),
		logx.Int("processed", b.ProcessedItems),
		logx.Bool("parallel", b.Config.ParallelProcessing),
		logx.Int("max_concurrency", b.Config.MaxConcurrency),
	)

	if err := s.resetRunning(ctx, batchID); err != nil {
		return err
	}
	if err := s.drain(ctx, b); err != nil {
		if errors.Is(err, errCancelled) {
			log.Info("batch dispatch stopped", logx.String("reason", "cancelled"))
			return nil
		}
		return err
	}
	return s.complete(ctx, batchID)
}

// drain runs passes over PENDING and RETRYING items until none are left.
func (s *Service) drain(ctx context.Context, b *model.Batch) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.checkProcessing(ctx, b.ID); err != nil {
			return err
		}
		items, _, err := s.store.ListItems(ctx, b.ID, storage.ItemFilter{
			Statuses: []model.ItemStatus{model.ItemPending, model.ItemRetrying},
		})
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}

		ready, wake, err := s.promote(ctx, items)
		if err != nil {
			return err
		}
		if len(ready) == 0 {
			if err := s.sleepUntil(ctx, wake); err != nil {
				return err
			}
			continue
		}

		if b.Config.ParallelProcessing && b.Config.MaxConcurrency > 1 {
			err = s.runChunks(ctx, b, ready)
		} else {
			err = s.runSequential(ctx, b, ready)
		}
		if err != nil {
			return err
		}
	}
}

// promote returns the items ready to dispatch, in index order, moving RETRYING
// items whose delay elapsed back to PENDING. wake is the earliest pending retry
// time when nothing is ready.
func (s *Service) promote(ctx context.Context, items []*model.Item) ([]*model.Item, time.Time, error) {
	now := s.now()
	var (
		ready []*model.Item
		wake  time.Time
	)
	for _, it := range items {
		if it.Status == model.ItemPending {
			ready = append(ready, it)
			continue
		}
		if at := it.Retry.NextAttemptAt; at != nil && now.Before(*at) {
			if wake.IsZero() || at.Before(wake) {
				wake = *at
			}
			continue
		}
		next, err := s.store.UpdateItem(ctx, it.BatchID, it.ID, func(it *model.Item) error {
			if it.Status != model.ItemRetrying {
				return errSkip
			}
			it.Status = model.ItemPending
			it.Retry.NextAttemptAt = nil
			it.UpdatedAt = now
			return nil
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return nil, time.Time{}, err
		}
		s.publishItem("item.pending", next, nil)
		ready = append(ready, next)
	}
	return ready, wake, nil
}

// sleepUntil waits for wake, at most Policy.Poll, so cancellation is noticed.
func (s *Service) sleepUntil(ctx context.Context, wake time.Time) error {
	d := s.Policy().Poll
	if !wake.IsZero() {
		if until := time.Until(wake); until < d {
			d = until
		}
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// checkProcessing returns errCancelled once the batch left PROCESSING.
func (s *Service) checkProcessing(ctx context.Context, batchID string) error {
	cur, ok, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if !ok || cur.Status != model.BatchProcessing {
		return errCancelled
	}
	return nil
}

// runSequential processes items strictly in index order, refreshing progress
// after each one.
func (s *Service) runSequential(ctx context.Context, b *model.Batch, items []*model.Item) error {
	for i, it := range items {
		if i > 0 {
			if err := s.checkProcessing(ctx, b.ID); err != nil {
				return err
			}
		}
		if err := s.processItem(ctx, b, it); err != nil {
			return err
		}
		s.refreshProgress(ctx, b.ID)
	}
	return nil
}

// runChunks processes MaxConcurrency items at a time. A chunk fully drains
// before the next one starts; progress is refreshed once per chunk.
func (s *Service) runChunks(ctx context.Context, b *model.Batch, items []*model.Item) error {
	size := b.Config.MaxConcurrency
	for start := 0; start < len(items); start += size {
		if start > 0 {
			if err := s.checkProcessing(ctx, b.ID); err != nil {
				return err
			}
		}
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, it := range items[start:end] {
			it := it
			g.Go(func() error { return s.processItem(gctx, b, it) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
		s.refreshProgress(ctx, b.ID)
	}
	return nil
}

// processItem runs one attempt. It returns an error only when bookkeeping
// failed or ctx ended; item failures are recorded, not returned.
func (s *Service) processItem(ctx context.Context, b *model.Batch, it *model.Item) error {
	start := s.now()
	running, err := s.store.UpdateItem(ctx, b.ID, it.ID, func(it *model.Item) error {
		if it.Status != model.ItemPending {
			return errSkip
		}
		it.Status = model.ItemRunning
		it.Metrics.Attempts++
		it.Retry.NextAttemptAt = nil
		it.UpdatedAt = start
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark item %s running: %w", it.ID, err)
	}
	s.publishItem("item.running", running, nil)

	out, perr := s.invoke(ctx, b.Config.Timeout, processor.Request{
		BatchID: b.ID,
		ItemID:  running.ID,
		Index:   running.Index,
		Type:    b.Type,
		Attempt: running.Metrics.Attempts,
		Input:   running.Input,
	})
	elapsed := s.now().Sub(start)

	// Bookkeeping must land even when the dispatch context ended.
	wctx := context.WithoutCancel(ctx)
	if perr == nil {
		return s.recordSuccess(wctx, b, running, out, elapsed)
	}
	if ctx.Err() != nil {
		_, err := s.store.UpdateItem(wctx, b.ID, running.ID, func(it *model.Item) error {
			it.Status = model.ItemPending
			it.Metrics.Attempts--
			it.UpdatedAt = s.now()
			return nil
		})
		if err != nil {
			s.log.Warn("item requeue failed", logx.String("batch_id", b.ID), logx.String("item_id", running.ID), logx.Err(err))
		}
		return ctx.Err()
	}
	return s.recordFailure(wctx, b, running, processor.Classify(perr), elapsed)
}

type procResult struct {
	out json.RawMessage
	err error
}

// invoke races the processor against the item timeout. When the timer wins
// the attempt fails with TIMEOUT and a late result is discarded.
func (s *Service) invoke(ctx context.Context, timeout time.Duration, req processor.Request) (json.RawMessage, error) {
	ictx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		ictx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan procResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("item processor panicked", logx.String("batch_id", req.BatchID), logx.String("item_id", req.ItemID), logx.Any("panic", r))
				done <- procResult{err: processor.Transient(processor.CodeInternal, "panic: %v", r)}
			}
		}()
		out, err := s.proc.Process(ictx, req)
		done <- procResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ictx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, &processor.ItemError{
			Code:      processor.CodeTimeout,
			Message:   fmt.Sprintf("item processing exceeded %s", timeout),
			Retryable: true,
			Err:       context.DeadlineExceeded,
		}
	}
}

func (s *Service) recordSuccess(ctx context.Context, b *model.Batch, it *model.Item, out json.RawMessage, elapsed time.Duration) error {
	now := s.now()
	done, err := s.store.UpdateItem(ctx, b.ID, it.ID, func(it *model.Item) error {
		it.Status = model.ItemCompleted
		it.Output = out
		it.LastError = nil
		it.CompleteStages()
		it.Metrics.ProcessingTime += elapsed
		it.UpdatedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("record item %s: %w", it.ID, err)
	}
	_, err = s.store.UpdateBatch(ctx, b.ID, func(b *model.Batch) error {
		b.SuccessfulItems++
		b.ProcessedItems++
		b.UpdatedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("count item %s: %w", it.ID, err)
	}
	s.tracker.Observe(true)
	s.metrics.item(string(b.Type), "completed", elapsed)
	s.publishItem("item.completed", done, nil)
	return nil
}

// recordFailure charges one failed attempt. Retryable errors with budget left
// move the item to RETRYING; everything else fails it permanently.
func (s *Service) recordFailure(ctx context.Context, b *model.Batch, it *model.Item, ie *processor.ItemError, elapsed time.Duration) error {
	now := s.now()
	var retry bool
	next, err := s.store.UpdateItem(ctx, b.ID, it.ID, func(it *model.Item) error {
		if it.Retry.Count < it.Retry.MaxRetries {
			it.Retry.Count++
		}
		retry = ie.Retryable && it.Retry.Count < it.Retry.MaxRetries
		it.LastError = &model.ItemError{Code: ie.Code, Message: ie.Message, Retryable: ie.Retryable, At: now}
		it.Metrics.ProcessingTime += elapsed
		it.UpdatedAt = now
		if retry {
			at := now.Add(b.Config.RetryDelay)
			it.Status = model.ItemRetrying
			it.Retry.NextAttemptAt = &at
			return nil
		}
		it.Status = model.ItemFailed
		it.FailStage()
		return nil
	})
	if err != nil {
		return fmt.Errorf("record item %s: %w", it.ID, err)
	}

	if retry {
		s.metrics.item(string(b.Type), "retried", elapsed)
		s.publishItem("item.retrying", next, ie)
		return nil
	}

	limit := s.Policy().ErrorLimit
	_, err = s.store.UpdateBatch(ctx, b.ID, func(b *model.Batch) error {
		b.FailedItems++
		b.ProcessedItems++
		b.AppendError(model.ErrorRecord{
			ItemID:    next.ID,
			Index:     next.Index,
			Code:      ie.Code,
			Message:   ie.Message,
			Retryable: ie.Retryable,
			At:        now,
		}, limit)
		b.UpdatedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("count item %s: %w", it.ID, err)
	}
	s.tracker.Observe(false)
	s.metrics.item(string(b.Type), "failed", elapsed)
	s.publishItem("item.failed", next, ie)
	return nil
}

// refreshProgress recomputes percentage, throughput and ETA from counters.
// Progress is advisory; a failed write is only logged.
func (s *Service) refreshProgress(ctx context.Context, batchID string) {
	now := s.now()
	_, err := s.store.UpdateBatch(ctx, batchID, func(b *model.Batch) error {
		var started time.Time
		if b.Progress.StartedAt != nil {
			started = *b.Progress.StartedAt
		}
		snap := progress.Compute(b.TotalItems, b.ProcessedItems, started, now)
		b.Progress.Percentage = snap.Percentage
		b.Progress.EstimatedRemaining = snap.Remaining
		b.Metrics.Throughput = snap.Throughput
		b.Metrics.ProcessingTime = snap.Elapsed
		b.UpdatedAt = now
		return nil
	})
	if err != nil {
		s.log.Warn("progress update failed", logx.String("batch_id", batchID), logx.Err(err))
	}
}

// complete applies the completion policy. The write is conditional on the
// batch still being PROCESSING so a cancellation is never overwritten.
func (s *Service) complete(ctx context.Context, batchID string) error {
	pol := s.Policy()
	now := s.now()
	last, ok, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if !ok {
		return queue.NoRetry(fmt.Errorf("%w: %s", ErrNotFound, batchID))
	}
	b, err := s.store.UpdateBatch(ctx, batchID, func(b *model.Batch) error {
		last = b.Clone()
		if b.Status != model.BatchProcessing {
			return errSkip
		}
		var started time.Time
		if b.Progress.StartedAt != nil {
			started = *b.Progress.StartedAt
		}
		snap := progress.Compute(b.TotalItems, b.ProcessedItems, started, now)
		b.Progress.Percentage = snap.Percentage
		b.Progress.CompletedAt = &now
		zero := time.Duration(0)
		b.Progress.EstimatedRemaining = &zero
		b.Metrics.Throughput = snap.Throughput
		b.Metrics.ProcessingTime = snap.Elapsed
		if pol.succeeded(b.FailedItems, b.TotalItems) {
			b.Status = model.BatchCompleted
		} else {
			b.Status = model.BatchFailed
		}
		b.Progress.Stage = string(b.Status)
		b.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return s.forceFail(ctx, last, fmt.Errorf("mark complete: %w", err))
	}

	log := s.log.With(logx.String("batch_id", batchID))
	s.metrics.batch(string(b.Type), string(b.Status))
	log.Info("batch finished",
		logx.String("status", string(b.Status)),
		logx.Int("total", b.TotalItems),
		logx.Int("successful", b.SuccessfulItems),
		logx.Int("failed", b.FailedItems),
		logx.Duration("elapsed", b.Metrics.ProcessingTime),
		logx.Float64("items_per_sec", b.Metrics.Throughput),
	)

	if b.Status == model.BatchCompleted {
		s.publishBatch("batch.completed", b, b.Status, nil)
		if b.Notifications.OnComplete {
			s.notify(ctx, log, "complete", func(c context.Context) error { return s.gateway.OnComplete(c, b) })
		}
		return nil
	}
	cause := fmt.Errorf("%w: %d of %d items failed", ErrFailureThreshold, b.FailedItems, b.TotalItems)
	s.publishBatch("batch.failed", b, b.Status, cause)
	if b.Notifications.OnError {
		s.notify(ctx, log, "error", func(c context.Context) error { return s.gateway.OnError(c, b, cause) })
	}
	return nil
}

// forceFail marks the batch FAILED after a status write failed, fires the
// error notification and returns cause wrapped so the job is not retried.
// last is the most recent known snapshot, used when the store is unusable.
func (s *Service) forceFail(ctx context.Context, last *model.Batch, cause error) error {
	wctx := context.WithoutCancel(ctx)
	now := s.now()
	var id string
	if last != nil {
		id = last.ID
	}
	log := s.log.With(logx.String("batch_id", id))
	log.Error("batch status write failed", logx.Err(cause))

	b := last
	if id != "" {
		failed, err := s.store.UpdateBatch(wctx, id, func(b *model.Batch) error {
			if b.Status == model.BatchCancelled {
				return errSkip
			}
			b.Status = model.BatchFailed
			b.Progress.Stage = string(model.BatchFailed)
			b.Progress.CompletedAt = &now
			b.UpdatedAt = now
			return nil
		})
		switch {
		case err == nil:
			b = failed
		case errors.Is(err, errSkip):
		default:
			log.Error("force fail write failed", logx.Err(err))
		}
	}
	if b != nil {
		if b.Status != model.BatchCancelled {
			s.metrics.batch(string(b.Type), string(model.BatchFailed))
			s.publishBatch("batch.failed", b, model.BatchFailed, cause)
		}
		if b.Notifications.OnError {
			s.notify(wctx, log, "error", func(c context.Context) error { return s.gateway.OnError(c, b, cause) })
		}
	}
	return queue.NoRetry(cause)
}

// notify calls the gateway; failures are logged and never affect the batch.
func (s *Service) notify(ctx context.Context, log logx.Logger, what string, fn func(context.Context) error) {
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		log.Debug("notification not sent", logx.String("kind", what), logx.Err(err))
	}
}
