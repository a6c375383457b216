package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bulkrun/internal/model"
	logx "bulkrun/pkg/logx"
)

func drivers(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	open := func(driver, name string) func(t *testing.T) Store {
		return func(t *testing.T) Store {
			cfg := Config{Driver: driver}
			if name != "" {
				cfg.Path = filepath.Join(t.TempDir(), name)
			}
			st, err := Open(cfg, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		}
	}
	return map[string]func(t *testing.T) Store{
		"memory": open("memory", ""),
		"file":   open("file", "bulkrun.db"),
		"sqlite": open("sqlite", "bulkrun.sqlite"),
		"pebble": open("pebble", "pebble"),
	}
}

func fixture(id, owner string, n int, created time.Time) (*model.Batch, []*model.Item) {
	b := &model.Batch{
		ID:         id,
		OwnerID:    owner,
		Type:       model.TypeVerify,
		Status:     model.BatchPending,
		TotalItems: n,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
	items := make([]*model.Item, n)
	for i := range items {
		items[i] = &model.Item{
			ID:      fmt.Sprintf("%s-item-%d", id, i),
			BatchID: id,
			Index:   i,
			Status:  model.ItemPending,
			Input:   []byte(fmt.Sprintf(`{"n":%d}`, i)),
			Stages:  model.StagesFor(model.TypeVerify),
			Retry:   model.RetryState{MaxRetries: 3},
		}
	}
	return b, items
}

func TestStoreConformance(t *testing.T) {
	t.Parallel()
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)
			now := time.Now().UTC().Truncate(time.Millisecond)

			b, items := fixture("b1", "alice", 5, now)
			require.NoError(t, st.CreateBatch(ctx, b, items))
			require.ErrorIs(t, st.CreateBatch(ctx, b, items), ErrExists)

			got, ok, err := st.GetBatch(ctx, "b1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "alice", got.OwnerID)
			require.Equal(t, 5, got.TotalItems)

			_, ok, err = st.GetBatch(ctx, "missing")
			require.NoError(t, err)
			require.False(t, ok)

			// Returned values are copies.
			got.OwnerID = "mallory"
			again, _, _ := st.GetBatch(ctx, "b1")
			require.Equal(t, "alice", again.OwnerID)

			updated, err := st.UpdateBatch(ctx, "b1", func(b *model.Batch) error {
				b.Status = model.BatchQueued
				b.TotalItems = 99
				return nil
			})
			require.NoError(t, err)
			require.Equal(t, model.BatchQueued, updated.Status)
			require.Equal(t, 5, updated.TotalItems, "TotalItems is immutable")

			boom := errors.New("abort")
			_, err = st.UpdateBatch(ctx, "b1", func(b *model.Batch) error {
				b.Status = model.BatchFailed
				return boom
			})
			require.ErrorIs(t, err, boom)
			again, _, _ = st.GetBatch(ctx, "b1")
			require.Equal(t, model.BatchQueued, again.Status)

			_, err = st.UpdateBatch(ctx, "missing", func(*model.Batch) error { return nil })
			require.ErrorIs(t, err, ErrNotFound)

			it, err := st.UpdateItem(ctx, "b1", "b1-item-2", func(it *model.Item) error {
				it.Status = model.ItemFailed
				it.Index = 40
				return nil
			})
			require.NoError(t, err)
			require.Equal(t, 2, it.Index)

			list, total, err := st.ListItems(ctx, "b1", ItemFilter{})
			require.NoError(t, err)
			require.Equal(t, 5, total)
			for i, it := range list {
				require.Equal(t, i, it.Index)
			}

			failed, total, err := st.ListItems(ctx, "b1", ItemFilter{Statuses: []model.ItemStatus{model.ItemFailed}})
			require.NoError(t, err)
			require.Equal(t, 1, total)
			require.Equal(t, "b1-item-2", failed[0].ID)

			win, total, err := st.ListItems(ctx, "b1", ItemFilter{Offset: 1, Limit: 2})
			require.NoError(t, err)
			require.Equal(t, 5, total)
			require.Len(t, win, 2)
			require.Equal(t, 1, win[0].Index)

			one, ok, err := st.GetItem(ctx, "b1", "b1-item-4")
			require.NoError(t, err)
			require.True(t, ok)
			require.JSONEq(t, `{"n":4}`, string(one.Input))

			b2, items2 := fixture("b2", "bob", 1, now.Add(time.Second))
			require.NoError(t, st.CreateBatch(ctx, b2, items2))
			b3, items3 := fixture("b3", "alice", 1, now.Add(2*time.Second))
			require.NoError(t, st.CreateBatch(ctx, b3, items3))

			mine, total, err := st.ListBatches(ctx, BatchFilter{OwnerID: "alice"})
			require.NoError(t, err)
			require.Equal(t, 2, total)
			require.Equal(t, "b3", mine[0].ID, "newest first")

			queued, total, err := st.ListBatches(ctx, BatchFilter{Statuses: []model.BatchStatus{model.BatchQueued}})
			require.NoError(t, err)
			require.Equal(t, 1, total)
			require.Equal(t, "b1", queued[0].ID)

			require.NoError(t, st.DeleteBatch(ctx, "b2"))
			require.ErrorIs(t, st.DeleteBatch(ctx, "b2"), ErrNotFound)
			_, ok, _ = st.GetItem(ctx, "b2", "b2-item-0")
			require.False(t, ok)

			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			require.NoError(t, st.PutDedup(ctx, "k", until))
			gotUntil, ok, err := st.GetDedup(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			require.True(t, until.Equal(gotUntil))
		})
	}
}

func TestStoreConcurrentCounterUpdates(t *testing.T) {
	t.Parallel()
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)
			b, items := fixture("c1", "alice", 0, time.Now())
			require.NoError(t, st.CreateBatch(ctx, b, items))

			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := st.UpdateBatch(ctx, "c1", func(b *model.Batch) error {
						b.ProcessedItems++
						return nil
					})
					require.NoError(t, err)
				}()
			}
			wg.Wait()
			got, _, err := st.GetBatch(ctx, "c1")
			require.NoError(t, err)
			require.Equal(t, 50, got.ProcessedItems)
		})
	}
}

func TestFileStoreReplaysAfterReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	cfg := Config{Driver: "file", Path: path}

	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	b, items := fixture("r1", "alice", 3, time.Now())
	require.NoError(t, st.CreateBatch(ctx, b, items))
	_, err = st.UpdateItem(ctx, "r1", "r1-item-1", func(it *model.Item) error {
		it.Status = model.ItemCompleted
		return nil
	})
	require.NoError(t, err)

	// Simulate a crash: the journal is replayed without a compaction.
	fs := st.(*fileStore)
	fs.mu.Lock()
	require.NoError(t, fs.journal.Close())
	fs.journal = nil
	fs.mu.Unlock()

	st2, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st2.Close()
	it, ok, err := st2.GetItem(ctx, "r1", "r1-item-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.ItemCompleted, it.Status)

	// Close compacts; a third open reads only the snapshot.
	require.NoError(t, st2.Close())
	st3, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st3.Close()
	_, total, err := st3.ListItems(ctx, "r1", ItemFilter{})
	require.NoError(t, err)
	require.Equal(t, 3, total)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	require.Error(t, err)
}
