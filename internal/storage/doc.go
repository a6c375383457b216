// Package storage persists batches, their items and notifier dedup state.
//
// Drivers share one Store contract; see Open for the driver list. Batch and
// item updates go through UpdateBatch/UpdateItem so concurrent counter
// changes never lose writes.
package storage
