package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	pebble "github.com/cockroachdb/pebble"

	"bulkrun/internal/model"
	logx "bulkrun/pkg/logx"
)

// pebbleStore lays records out as:
//
//	b:<batchID>               -> model.Batch JSON
//	i:<batchID>:<index %010d> -> model.Item JSON (index order)
//	x:<batchID>:<itemID>      -> index (item lookup by id)
//	d:<key>                   -> dedup expiry, unix milli
//
// Read-modify-write is serialized by mu; writes commit with pebble.Sync.
type pebbleStore struct {
	db  *pebble.DB
	log logx.Logger
	mu  sync.Mutex
}

func openPebble(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for pebble driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	log.Debug("pebble store opened", logx.String("path", path))
	return &pebbleStore{db: db, log: log}, nil
}

func batchKey(id string) []byte { return []byte("b:" + id) }

func itemKey(batchID string, index int) []byte {
	return []byte(fmt.Sprintf("i:%s:%010d", batchID, index))
}

func itemPrefix(batchID string) []byte { return []byte("i:" + batchID + ":") }

func itemIndexKey(batchID, itemID string) []byte { return []byte("x:" + batchID + ":" + itemID) }

func dedupKey(key string) []byte { return []byte("d:" + key) }

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *pebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// getJSON decodes the value at key into v. ok is false when the key is absent.
func (s *pebbleStore) getJSON(key []byte, v any) (bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	return true, json.Unmarshal(val, v)
}

func (s *pebbleStore) CreateBatch(ctx context.Context, b *model.Batch, items []*model.Item) error {
	if b == nil || b.ID == "" {
		return errors.New("storage: batch id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing model.Batch
	if ok, err := s.getJSON(batchKey(b.ID), &existing); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: batch %s", ErrExists, b.ID)
	}

	wb := s.db.NewBatch()
	defer wb.Close()
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	if err := wb.Set(batchKey(b.ID), data, nil); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if _, dup := seen[it.ID]; dup {
			return fmt.Errorf("%w: item %s", ErrExists, it.ID)
		}
		seen[it.ID] = struct{}{}
		idata, err := json.Marshal(it)
		if err != nil {
			return err
		}
		if err := wb.Set(itemKey(b.ID, it.Index), idata, nil); err != nil {
			return err
		}
		if err := wb.Set(itemIndexKey(b.ID, it.ID), []byte(strconv.Itoa(it.Index)), nil); err != nil {
			return err
		}
	}
	return wb.Commit(pebble.Sync)
}

func (s *pebbleStore) GetBatch(ctx context.Context, id string) (*model.Batch, bool, error) {
	var b model.Batch
	ok, err := s.getJSON(batchKey(id), &b)
	if err != nil || !ok {
		return nil, false, err
	}
	return &b, true, nil
}

func (s *pebbleStore) UpdateBatch(ctx context.Context, id string, fn func(b *model.Batch) error) (*model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur model.Batch
	ok, err := s.getJSON(batchKey(id), &cur)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.TotalItems = cur.TotalItems
	data, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}
	if err := s.db.Set(batchKey(id), data, pebble.Sync); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *pebbleStore) ListBatches(ctx context.Context, f BatchFilter) ([]*model.Batch, int, error) {
	prefix := []byte("b:")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, 0, err
	}
	defer iter.Close()

	var all []*model.Batch
	for ok := iter.First(); ok; ok = iter.Next() {
		var b model.Batch
		if err := json.Unmarshal(iter.Value(), &b); err != nil {
			return nil, 0, err
		}
		if f.match(&b) {
			all = append(all, &b)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, 0, err
	}
	sortBatches(all)
	out, total := page(all, f.Offset, f.Limit)
	return out, total, nil
}

func (s *pebbleStore) DeleteBatch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur model.Batch
	ok, err := s.getJSON(batchKey(id), &cur)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	wb := s.db.NewBatch()
	defer wb.Close()
	if err := wb.Delete(batchKey(id), nil); err != nil {
		return err
	}
	ip := itemPrefix(id)
	if err := wb.DeleteRange(ip, prefixEnd(ip), nil); err != nil {
		return err
	}
	xp := []byte("x:" + id + ":")
	if err := wb.DeleteRange(xp, prefixEnd(xp), nil); err != nil {
		return err
	}
	return wb.Commit(pebble.Sync)
}

func (s *pebbleStore) itemIndex(batchID, itemID string) (int, bool, error) {
	val, closer, err := s.db.Get(itemIndexKey(batchID, itemID))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer closer.Close()
	idx, err := strconv.Atoi(string(val))
	return idx, err == nil, err
}

func (s *pebbleStore) GetItem(ctx context.Context, batchID, itemID string) (*model.Item, bool, error) {
	idx, ok, err := s.itemIndex(batchID, itemID)
	if err != nil || !ok {
		return nil, false, err
	}
	var it model.Item
	ok, err = s.getJSON(itemKey(batchID, idx), &it)
	if err != nil || !ok {
		return nil, false, err
	}
	return &it, true, nil
}

func (s *pebbleStore) ListItems(ctx context.Context, batchID string, f ItemFilter) ([]*model.Item, int, error) {
	prefix := itemPrefix(batchID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, 0, err
	}
	defer iter.Close()

	// Keys are zero-padded so iteration is already in Index order.
	var all []*model.Item
	for ok := iter.First(); ok; ok = iter.Next() {
		var it model.Item
		if err := json.Unmarshal(iter.Value(), &it); err != nil {
			return nil, 0, err
		}
		if f.match(&it) {
			all = append(all, &it)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, 0, err
	}
	out, total := page(all, f.Offset, f.Limit)
	return out, total, nil
}

func (s *pebbleStore) UpdateItem(ctx context.Context, batchID, itemID string, fn func(it *model.Item) error) (*model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok, err := s.itemIndex(batchID, itemID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: item %s/%s", ErrNotFound, batchID, itemID)
	}
	var cur model.Item
	if ok, err := s.getJSON(itemKey(batchID, idx), &cur); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%w: item %s/%s", ErrNotFound, batchID, itemID)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID, next.BatchID, next.Index = cur.ID, cur.BatchID, cur.Index
	data, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}
	if err := s.db.Set(itemKey(batchID, idx), data, pebble.Sync); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *pebbleStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return s.db.Set(dedupKey(key), []byte(strconv.FormatInt(until.UnixMilli(), 10)), pebble.NoSync)
}

func (s *pebbleStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	val, closer, err := s.db.Get(dedupKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	defer closer.Close()
	ms, err := strconv.ParseInt(string(val), 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}
