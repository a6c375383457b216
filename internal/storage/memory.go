package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"bulkrun/internal/model"
)

// memStore keeps everything in maps behind one mutex. The file driver wraps
// it with a journal.
type memStore struct {
	mu      sync.Mutex
	closed  bool
	batches map[string]*model.Batch
	items   map[string]map[string]*model.Item // batchID -> itemID -> item
	dedup   map[string]time.Time
}

// NewMemory returns an in-process store.
func NewMemory() Store {
	return newMemStore()
}

func newMemStore() *memStore {
	return &memStore{
		batches: map[string]*model.Batch{},
		items:   map[string]map[string]*model.Item{},
		dedup:   map[string]time.Time{},
	}
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memStore) CreateBatch(ctx context.Context, b *model.Batch, items []*model.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(b, items)
}

func (s *memStore) createLocked(b *model.Batch, items []*model.Item) error {
	if s.closed {
		return ErrClosed
	}
	if b == nil || b.ID == "" {
		return fmt.Errorf("storage: batch id is required")
	}
	if _, ok := s.batches[b.ID]; ok {
		return fmt.Errorf("%w: batch %s", ErrExists, b.ID)
	}
	m := make(map[string]*model.Item, len(items))
	for _, it := range items {
		if _, dup := m[it.ID]; dup {
			return fmt.Errorf("%w: item %s", ErrExists, it.ID)
		}
		m[it.ID] = it.Clone()
	}
	s.batches[b.ID] = b.Clone()
	s.items[b.ID] = m
	return nil
}

func (s *memStore) GetBatch(ctx context.Context, id string) (*model.Batch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	b, ok := s.batches[id]
	if !ok {
		return nil, false, nil
	}
	return b.Clone(), true, nil
}

func (s *memStore) UpdateBatch(ctx context.Context, id string, fn func(b *model.Batch) error) (*model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateBatchLocked(id, fn)
}

func (s *memStore) updateBatchLocked(id string, fn func(b *model.Batch) error) (*model.Batch, error) {
	if s.closed {
		return nil, ErrClosed
	}
	cur, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.TotalItems = cur.TotalItems
	s.batches[id] = next
	return next.Clone(), nil
}

func (s *memStore) ListBatches(ctx context.Context, f BatchFilter) ([]*model.Batch, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, 0, ErrClosed
	}
	var all []*model.Batch
	for _, b := range s.batches {
		if f.match(b) {
			all = append(all, b)
		}
	}
	sortBatches(all)
	win, total := page(all, f.Offset, f.Limit)
	out := make([]*model.Batch, len(win))
	for i, b := range win {
		out[i] = b.Clone()
	}
	return out, total, nil
}

func (s *memStore) DeleteBatch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(id)
}

func (s *memStore) deleteLocked(id string) error {
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.batches[id]; !ok {
		return fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	delete(s.batches, id)
	delete(s.items, id)
	return nil
}

func (s *memStore) GetItem(ctx context.Context, batchID, itemID string) (*model.Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	it, ok := s.items[batchID][itemID]
	if !ok {
		return nil, false, nil
	}
	return it.Clone(), true, nil
}

func (s *memStore) ListItems(ctx context.Context, batchID string, f ItemFilter) ([]*model.Item, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, 0, ErrClosed
	}
	var all []*model.Item
	for _, it := range s.items[batchID] {
		if f.match(it) {
			all = append(all, it)
		}
	}
	sortItems(all)
	win, total := page(all, f.Offset, f.Limit)
	out := make([]*model.Item, len(win))
	for i, it := range win {
		out[i] = it.Clone()
	}
	return out, total, nil
}

func (s *memStore) UpdateItem(ctx context.Context, batchID, itemID string, fn func(it *model.Item) error) (*model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateItemLocked(batchID, itemID, fn)
}

func (s *memStore) updateItemLocked(batchID, itemID string, fn func(it *model.Item) error) (*model.Item, error) {
	if s.closed {
		return nil, ErrClosed
	}
	cur, ok := s.items[batchID][itemID]
	if !ok {
		return nil, fmt.Errorf("%w: item %s/%s", ErrNotFound, batchID, itemID)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID, next.BatchID, next.Index = cur.ID, cur.BatchID, cur.Index
	s.items[batchID][itemID] = next
	return next.Clone(), nil
}

func (s *memStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.dedup[key] = until
	return nil
}

func (s *memStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	until, ok := s.dedup[strings.TrimSpace(key)]
	return until, ok, nil
}
