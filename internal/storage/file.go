package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bulkrun/internal/model"
	logx "bulkrun/pkg/logx"
)

// fileStore is a dependency-free persistence backend layered on memStore.
//
// Files:
//   - <prefix>.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl (append-only journal of every mutation)
//
// On open the snapshot is loaded and the journal replayed on top of it.
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	*memStore

	log          logx.Logger
	snapshotPath string
	journal      *os.File
	enc          *json.Encoder
	writes       int
	compactEvery int
}

type journalOp string

const (
	opCreate journalOp = "create"
	opBatch  journalOp = "batch"
	opItem   journalOp = "item"
	opDelete journalOp = "delete"
	opDedup  journalOp = "dedup"
)

type journalRecord struct {
	Op    journalOp     `json:"op"`
	Batch *model.Batch  `json:"batch,omitempty"`
	Items []*model.Item `json:"items,omitempty"`
	Item  *model.Item   `json:"item,omitempty"`
	ID    string        `json:"id,omitempty"`
	Key   string        `json:"key,omitempty"`
	Until int64         `json:"until,omitempty"` // unix milli
}

type fileSnapshot struct {
	Batches []*model.Batch   `json:"batches"`
	Items   []*model.Item    `json:"items"`
	Dedup   map[string]int64 `json:"dedup,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	mem := newMemStore()
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	replayed, err := replayJournal(journalPath, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	pruneExpiredDedup(mem.dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("path", prefix), logx.Int("batches", len(mem.batches)), logx.Int("replayed", replayed))

	return &fileStore{
		memStore:     mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		enc:          json.NewEncoder(jf),
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	s.closed = true
	return err
}

// appendLocked journals rec after the in-memory mutation succeeded.
func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := s.enc.Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) CreateBatch(ctx context.Context, b *model.Batch, items []*model.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.createLocked(b, items); err != nil {
		return err
	}
	if err := s.appendLocked(journalRecord{Op: opCreate, Batch: b, Items: items}); err != nil {
		_ = s.deleteLocked(b.ID)
		return err
	}
	return nil
}

func (s *fileStore) UpdateBatch(ctx context.Context, id string, fn func(b *model.Batch) error) (*model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.batches[id]
	next, err := s.updateBatchLocked(id, fn)
	if err != nil {
		return nil, err
	}
	if err := s.appendLocked(journalRecord{Op: opBatch, Batch: next}); err != nil {
		s.batches[id] = prev
		return nil, err
	}
	return next, nil
}

func (s *fileStore) DeleteBatch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.deleteLocked(id); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opDelete, ID: id})
}

func (s *fileStore) UpdateItem(ctx context.Context, batchID, itemID string, fn func(it *model.Item) error) (*model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.items[batchID][itemID]
	next, err := s.updateItemLocked(batchID, itemID, fn)
	if err != nil {
		return nil, err
	}
	if err := s.appendLocked(journalRecord{Op: opItem, Item: next}); err != nil {
		s.items[batchID][itemID] = prev
		return nil, err
	}
	return next, nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
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
	return s.appendLocked(journalRecord{Op: opDedup, Key: key, Until: until.UnixMilli()})
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup)

	snap := fileSnapshot{Dedup: make(map[string]int64, len(s.dedup))}
	for _, b := range s.batches {
		snap.Batches = append(snap.Batches, b)
	}
	sortBatches(snap.Batches)
	for _, b := range snap.Batches {
		var its []*model.Item
		for _, it := range s.items[b.ID] {
			its = append(its, it)
		}
		sortItems(its)
		snap.Items = append(snap.Items, its...)
	}
	for k, v := range s.dedup {
		snap.Dedup[k] = v.UnixMilli()
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, mem *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, b := range snap.Batches {
		mem.batches[b.ID] = b
		mem.items[b.ID] = map[string]*model.Item{}
	}
	for _, it := range snap.Items {
		if m := mem.items[it.BatchID]; m != nil {
			m[it.ID] = it
		}
	}
	for k, v := range snap.Dedup {
		mem.dedup[k] = time.UnixMilli(v)
	}
	return nil
}

// replayJournal applies journal records in order. A torn trailing line from
// a crash is skipped.
func replayJournal(path string, mem *memStore) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	n := 0
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case opCreate:
			if r.Batch != nil {
				_ = mem.createLocked(r.Batch, r.Items)
			}
		case opBatch:
			if r.Batch != nil {
				if _, ok := mem.batches[r.Batch.ID]; ok {
					mem.batches[r.Batch.ID] = r.Batch
				}
			}
		case opItem:
			if r.Item != nil {
				if m := mem.items[r.Item.BatchID]; m != nil {
					m[r.Item.ID] = r.Item
				}
			}
		case opDelete:
			delete(mem.batches, r.ID)
			delete(mem.items, r.ID)
		case opDedup:
			if r.Key != "" {
				mem.dedup[r.Key] = time.UnixMilli(r.Until)
			}
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}

func pruneExpiredDedup(m map[string]time.Time) {
	now := time.Now()
	for k, v := range m {
		if v.Before(now) {
			delete(m, k)
		}
	}
}
