package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bulkrun/internal/batch"
	"bulkrun/internal/config"
	"bulkrun/internal/model"
	"bulkrun/internal/processor"
	logx "bulkrun/pkg/logx"
)

func TestMapStorageConfig(t *testing.T) {
	sc, err := mapStorageConfig(&Config{})
	require.NoError(t, err)
	require.Equal(t, "memory", sc.Driver)
	require.False(t, persistent(sc))

	sc, err = mapStorageConfig(&Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "x.db"}})
	require.NoError(t, err)
	require.Equal(t, "sqlite", sc.Driver)
	require.Equal(t, time.Second, sc.BusyTimeout)
	require.True(t, persistent(sc))

	_, err = mapStorageConfig(&Config{Storage: &config.StorageConfig{Driver: "pebble"}})
	require.ErrorContains(t, err, "storage.path")
	_, err = mapStorageConfig(&Config{Storage: &config.StorageConfig{Driver: "redis", Path: "x"}})
	require.ErrorContains(t, err, "unknown storage.driver")
}

func TestMapQueueOverrides(t *testing.T) {
	cfg := &Config{Queues: map[string]QueueOverride{
		"batch.critical": {Concurrency: 10, RetryDelay: "2s", Timeout: "1m"},
	}}
	fn, err := mapQueueOverrides(cfg)
	require.NoError(t, err)
	qc := fn("batch.critical")
	require.Equal(t, 10, qc.Concurrency)
	require.Equal(t, 2*time.Second, qc.RetryDelay)
	require.Equal(t, time.Minute, qc.Timeout)
	require.Zero(t, fn("batch.low"))

	cfg.Queues["batch.low"] = QueueOverride{RetryDelay: "soon"}
	_, err = mapQueueOverrides(cfg)
	require.ErrorContains(t, err, "queues.batch.low.retry_delay")
}

func TestMapProcessor(t *testing.T) {
	p, err := mapProcessor(&Config{})
	require.NoError(t, err)
	require.IsType(t, processor.Echo{}, p)

	cfg := &Config{Processor: config.ProcessorConfig{
		Driver:    "http",
		Endpoints: map[string]string{"VERIFY": "http://127.0.0.1:1/verify"},
	}}
	p, err = mapProcessor(cfg)
	require.NoError(t, err)
	require.IsType(t, &processor.Registry{}, p)

	cfg.Processor.Endpoints["PUBLISH"] = "http://127.0.0.1:1/publish"
	_, err = mapProcessor(cfg)
	require.ErrorContains(t, err, "unknown batch type")
}

func TestMapNotifierConfig(t *testing.T) {
	ncfg, sinks, err := mapNotifierConfig(&Config{}, logx.Nop(), true)
	require.NoError(t, err)
	require.True(t, ncfg.Enabled)
	require.True(t, ncfg.PersistDedup)
	require.Len(t, sinks, 1)

	cfg := &Config{Notifier: &config.NotifierConfig{
		Enabled:     true,
		DedupWindow: "30s",
		Webhook:     config.WebhookSinkConfig{Enabled: true, URL: "http://127.0.0.1:1/hook"},
	}}
	ncfg, sinks, err = mapNotifierConfig(cfg, logx.Nop(), false)
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, ncfg.DedupWindow)
	require.Len(t, sinks, 2)
}

func TestMapMaintenanceConfig(t *testing.T) {
	m, err := mapMaintenanceConfig(&Config{})
	require.NoError(t, err)
	require.False(t, m.Enabled)

	cfg := &Config{Maintenance: &config.MaintenanceConfig{
		Enabled:   true,
		Schedule:  "15m",
		Retention: config.RetentionConfig{MaxAge: "72h"},
	}}
	m, err = mapMaintenanceConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, 72*time.Hour, m.MaxAge)

	cfg.Maintenance.Timezone = "Mars/Olympus"
	_, err = mapMaintenanceConfig(cfg)
	require.ErrorContains(t, err, "maintenance.timezone")
}

func TestValidateMappedRejectsUnknownProcessorType(t *testing.T) {
	cfg := &Config{Processor: config.ProcessorConfig{Driver: "http", Endpoints: map[string]string{"NOPE": "http://x"}}}
	require.Error(t, validateMapped(cfg))
	require.NoError(t, validateMapped(&Config{}))
}

func TestMapBatchDefaults(t *testing.T) {
	p, err := mapBatchPolicy(&Config{})
	require.NoError(t, err)
	require.Equal(t, batch.DefaultBatchConfig(), p.Defaults)
	require.True(t, p.Defaults.ParallelProcessing)

	off := false
	cfg := &Config{}
	cfg.Batch.Defaults = config.BatchDefaultsConfig{
		MaxConcurrency:     4,
		ParallelProcessing: &off,
		RetryDelay:         "250ms",
		Timeout:            "5s",
		Priority:           "high",
	}
	p, err = mapBatchPolicy(cfg)
	require.NoError(t, err)
	require.Equal(t, 4, p.Defaults.MaxConcurrency)
	require.False(t, p.Defaults.ParallelProcessing)
	require.Equal(t, 3, p.Defaults.RetryAttempts)
	require.Equal(t, 250*time.Millisecond, p.Defaults.RetryDelay)
	require.Equal(t, 5*time.Second, p.Defaults.Timeout)
	require.Equal(t, model.PriorityHigh, p.Defaults.Priority)

	cfg.Batch.Defaults.Timeout = "forever"
	_, err = mapBatchPolicy(cfg)
	require.ErrorContains(t, err, "batch.defaults.timeout")
}
