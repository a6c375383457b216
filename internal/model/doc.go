// Package model holds the persisted aggregates shared by the orchestrator and
// the storage drivers: Batch (one per submission) and Item (one per input
// element, owned by exactly one Batch).
package model
