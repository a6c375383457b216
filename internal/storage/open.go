package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"bulkrun/internal/model"
	logx "bulkrun/pkg/logx"
)

// Store persists batches and their items.
//
// Getters return copies; callers never share state with the store.
// UpdateBatch and UpdateItem are atomic read-modify-write operations: fn runs
// on a copy while the record is locked, and a non-nil error from fn aborts the
// write and is returned unchanged.
type Store interface {
	CreateBatch(ctx context.Context, b *model.Batch, items []*model.Item) error
	GetBatch(ctx context.Context, id string) (*model.Batch, bool, error)
	UpdateBatch(ctx context.Context, id string, fn func(b *model.Batch) error) (*model.Batch, error)
	ListBatches(ctx context.Context, f BatchFilter) ([]*model.Batch, int, error)
	// DeleteBatch removes a batch and all of its items.
	DeleteBatch(ctx context.Context, id string) error

	GetItem(ctx context.Context, batchID, itemID string) (*model.Item, bool, error)
	ListItems(ctx context.Context, batchID string, f ItemFilter) ([]*model.Item, int, error)
	UpdateItem(ctx context.Context, batchID, itemID string, fn func(it *model.Item) error) (*model.Item, error)

	// Dedup keys back the notifier's duplicate suppression across restarts.
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store. An empty driver selects memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "pebble":
		return openPebble(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
