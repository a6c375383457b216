// Package processor executes a single batch item.
//
// The orchestrator owns retries and bookkeeping; a Processor only turns one
// item input into an output or an error. Errors are classified with ItemError:
// a Retryable error sends the item back through the retry path, anything else
// fails it permanently. Plain errors are treated as retryable.
package processor
