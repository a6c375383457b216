// Package batch is the batch orchestrator.
//
// A submission becomes one persisted Batch plus one Item per input element and
// a single coordinating job on the queue manager. When that job runs,
// ProcessBatch drains the batch's pending items through the item processor,
// either one at a time or in chunks of MaxConcurrency, and applies the
// completion policy once nothing is left.
//
// # Counters
//
// ProcessedItems == SuccessfulItems + FailedItems holds after every store
// write. Counter updates go through Store.UpdateBatch, which serializes
// read-modify-write per batch, so concurrent items in one chunk never lose an
// increment.
//
// # Cancellation
//
// CancelBatch only stops future dispatch. Items already handed to the processor
// finish and are counted, but the batch stays CANCELLED.
package batch
