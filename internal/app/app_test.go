package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bulkrun/internal/batch"
	"bulkrun/internal/config"
	"bulkrun/internal/model"
)

func startApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		require.NoError(t, a.Stop(stopCtx, StopAppStop))
		cancel()
	})
}

func echoItems(n int, failEvery int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		if failEvery > 0 && i%failEvery == 0 {
			out[i] = json.RawMessage(`{"fail":"REJECTED"}`)
			continue
		}
		out[i] = json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
	}
	return out
}

func waitTerminal(t *testing.T, svc *batch.Service, id, owner string) batch.StatusView {
	t.Helper()
	var v batch.StatusView
	require.Eventually(t, func() bool {
		var ok bool
		var err error
		v, ok, err = svc.GetStatus(context.Background(), id, owner)
		require.NoError(t, err)
		require.True(t, ok)
		return v.Status.Terminal()
	}, 10*time.Second, 20*time.Millisecond)
	return v
}

func TestAppProcessesBatchEndToEnd(t *testing.T) {
	cfg := &Config{}
	cfg.Logging.Level = "error"
	cfg.Batch.Poll = "10ms"

	a, err := NewFromConfig(cfg)
	require.NoError(t, err)
	startApp(t, a)

	res, err := a.Batches().CreateBatch(context.Background(), "owner-1", batch.CreateRequest{
		Type:  "VERIFY",
		Items: echoItems(25, 0),
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	v := waitTerminal(t, a.Batches(), res.BatchID, "owner-1")
	require.Equal(t, model.BatchCompleted, v.Status)
	require.Equal(t, 25, v.SuccessfulItems)
	require.Equal(t, 100, v.Progress.Percentage)

	qs := a.Batches().AllQueueStatuses()
	require.Contains(t, qs, v.Queue.Name)
}

func TestAppFailsBatchOverTolerance(t *testing.T) {
	cfg := &Config{}
	cfg.Logging.Level = "error"
	cfg.Batch.Poll = "10ms"
	zero := 0.0
	cfg.Batch.FailureTolerance = &zero

	a, err := NewFromConfig(cfg)
	require.NoError(t, err)
	startApp(t, a)

	res, err := a.Batches().CreateBatch(context.Background(), "o", batch.CreateRequest{
		Type:  "UPDATE",
		Items: echoItems(10, 5),
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	v := waitTerminal(t, a.Batches(), res.BatchID, "o")
	require.Equal(t, model.BatchFailed, v.Status)
	require.Equal(t, 2, v.FailedItems)
	require.Equal(t, 8, v.SuccessfulItems)
}

func TestAppReloadsBatchPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bulkrun.yaml")
	write := func(maxItems int) {
		body := fmt.Sprintf("logging:\n  level: error\nbatch:\n  max_items: %d\n", maxItems)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	write(50)

	a, err := NewApp(path)
	require.NoError(t, err)
	require.Equal(t, 50, a.Batches().Policy().MaxItems)
	startApp(t, a)

	require.Eventually(t, func() bool {
		write(7)
		return a.Batches().Policy().MaxItems == 7
	}, 10*time.Second, 300*time.Millisecond)

	res, err := a.Batches().CreateBatch(context.Background(), "o", batch.CreateRequest{
		Type:  "CREATE",
		Items: echoItems(8, 0),
	})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "items", res.Error.Field)
}

func TestNewFromConfigRejectsBadStorage(t *testing.T) {
	cfg := &Config{Storage: &config.StorageConfig{Driver: "sqlite"}}
	_, err := NewFromConfig(cfg)
	require.ErrorContains(t, err, "storage.path")
}

func TestAppResumesPersistedBatches(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{Storage: &config.StorageConfig{Driver: "file", Path: filepath.Join(dir, "data")}}
	cfg.Logging.Level = "error"
	cfg.Batch.Poll = "10ms"

	// Persist a batch without running it.
	first, err := NewFromConfig(cfg)
	require.NoError(t, err)
	res, err := first.Batches().CreateBatch(context.Background(), "o", batch.CreateRequest{
		Type:  "EXPORT",
		Items: echoItems(5, 0),
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NoError(t, first.Close())

	second, err := NewFromConfig(cfg)
	require.NoError(t, err)
	startApp(t, second)

	v := waitTerminal(t, second.Batches(), res.BatchID, "o")
	require.Equal(t, model.BatchCompleted, v.Status)
	require.Equal(t, 5, v.SuccessfulItems)
}
