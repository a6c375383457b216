package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Ops     OpsConfig     `json:"ops,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`

	// Queue holds manager-wide scheduling settings and the defaults for
	// queues created implicitly.
	Queue QueueEngineConfig `json:"queue"`

	// Queues overrides the policy of individual queues by name
	// (e.g. "batch.critical", "batch.verify"). Changes are applied on reload.
	Queues map[string]QueueOverride `json:"queues,omitempty"`

	Batch       BatchPolicyConfig  `json:"batch"`
	Processor   ProcessorConfig    `json:"processor"`
	Notifier    *NotifierConfig    `json:"notifier,omitempty"`
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./bulkrun.db" }
//
// Drivers: memory (default), file, sqlite, pebble.
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=memory file sqlite pebble"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// QueueEngineConfig controls the queue manager.
//
// All durations are Go duration strings (e.g. "100ms", "1s", "5m").
//
// Defaults (when fields are omitted/zero):
//   - idle_tick: "100ms"
//   - max_retry_delay: "0s" (uncapped)
//   - defaults: concurrency 5, retry_attempts 3, retry_delay "1s", timeout "30s"
type QueueEngineConfig struct {
	IdleTick      string        `json:"idle_tick,omitempty"`
	MaxRetryDelay string        `json:"max_retry_delay,omitempty"`
	Defaults      QueueOverride `json:"defaults,omitempty"`
}

type QueueOverride struct {
	Concurrency   int    `json:"concurrency,omitempty" validate:"gte=0,lte=1000"`
	RetryAttempts int    `json:"retry_attempts,omitempty" validate:"gte=0,lte=100"`
	RetryDelay    string `json:"retry_delay,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
}

// BatchPolicyConfig holds orchestrator policy.
//
// failure_tolerance is the failed/total ratio below which a batch with some
// failed items still completes. Omitted means 0.10; 0 means any failed item
// fails the batch.
type BatchPolicyConfig struct {
	FailureTolerance *float64 `json:"failure_tolerance,omitempty" validate:"omitempty,gte=0,lte=1"`
	MaxItems         int      `json:"max_items,omitempty" validate:"gte=0"`
	ErrorLimit       int      `json:"error_limit,omitempty" validate:"gte=0"`
	// Poll bounds the wait between passes while items are backing off.
	Poll string `json:"poll,omitempty"`

	// Defaults fill the per-batch settings a submission leaves unset.
	Defaults BatchDefaultsConfig `json:"defaults,omitempty"`
}

// BatchDefaultsConfig overrides the built-in submission defaults
// (max_concurrency 10, parallel_processing true, retry_attempts 3,
// retry_delay "1s", timeout "30s", priority NORMAL). Omitted or zero fields
// keep the built-in value.
type BatchDefaultsConfig struct {
	MaxConcurrency     int    `json:"max_concurrency,omitempty" validate:"gte=0,lte=1000"`
	ParallelProcessing *bool  `json:"parallel_processing,omitempty"`
	RetryAttempts      int    `json:"retry_attempts,omitempty" validate:"gte=0,lte=20"`
	RetryDelay         string `json:"retry_delay,omitempty"`
	Timeout            string `json:"timeout,omitempty"`
	Priority           string `json:"priority,omitempty" validate:"omitempty,oneof=LOW NORMAL HIGH CRITICAL low normal high critical"`
}

// ProcessorConfig selects how items are executed by `bulkrun serve`.
//
//	"processor": {
//	  "driver": "http",
//	  "endpoints": { "VERIFY": "http://127.0.0.1:8080/verify" },
//	  "timeout": "10s"
//	}
type ProcessorConfig struct {
	Driver    string            `json:"driver,omitempty" validate:"omitempty,oneof=echo http"`
	Endpoints map[string]string `json:"endpoints,omitempty" validate:"dive,keys,oneof=CREATE VERIFY UPDATE DELETE EXPORT,endkeys,url"`
	Timeout   string            `json:"timeout,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier runs with the log sink only.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers" validate:"gte=0,lte=64"`
	QueueSize       int    `json:"queue_size" validate:"gte=0"`
	RatePerSec      int    `json:"rate_per_sec" validate:"gte=0"`
	RetryMax        int    `json:"retry_max" validate:"gte=0,lte=20"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries" validate:"gte=0"`

	Webhook  WebhookSinkConfig  `json:"webhook,omitempty"`
	Telegram TelegramSinkConfig `json:"telegram,omitempty"`
}

// WebhookSinkConfig enables POSTing events to the batch's webhook URL.
// URL is a fallback used when a batch has no URL of its own.
type WebhookSinkConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty" validate:"omitempty,url"`
	Timeout string `json:"timeout,omitempty"`
}

type TelegramSinkConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
	// ThreadID posts into a forum topic when > 0.
	ThreadID int `json:"thread_id,omitempty"`
}

// MaintenanceConfig schedules reconciliation and retention.
//
// schedule is a robfig/cron spec with optional seconds ("@every 5m",
// "0 */10 * * * *"). retention.max_age "0s" disables pruning.
type MaintenanceConfig struct {
	Enabled   bool            `json:"enabled"`
	Schedule  string          `json:"schedule,omitempty"`
	Timezone  string          `json:"timezone,omitempty"`
	Retention RetentionConfig `json:"retention,omitempty"`
}

type RetentionConfig struct {
	MaxAge string `json:"max_age,omitempty"`
}

// OpsConfig controls the optional operations HTTP server (pprof, /metrics,
// /queues, /healthz).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // pprof prefix, default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
