package storage

import (
	"errors"
	"time"

	"bulkrun/internal/model"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrExists   = errors.New("storage: already exists")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps (default; nothing survives a restart)
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "pebble": Pebble LSM key-value directory
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// BatchFilter selects batches for ListBatches. Zero fields match everything.
// Results are ordered newest first.
type BatchFilter struct {
	OwnerID  string
	Type     model.BatchType
	Statuses []model.BatchStatus
	// UpdatedBefore matches batches last updated strictly before this time.
	UpdatedBefore time.Time

	Limit  int
	Offset int
}

// ItemFilter selects items of one batch. Results are ordered by Index.
type ItemFilter struct {
	Statuses []model.ItemStatus
	Limit    int
	Offset   int
}
