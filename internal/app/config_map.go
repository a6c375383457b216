package app

import (
	"fmt"
	"strings"
	"time"

	"bulkrun/internal/batch"
	"bulkrun/internal/config"
	"bulkrun/internal/maintenance"
	"bulkrun/internal/model"
	"bulkrun/internal/notifier"
	"bulkrun/internal/observability/ops"
	"bulkrun/internal/processor"
	"bulkrun/internal/queue"
	"bulkrun/internal/storage"
	logx "bulkrun/pkg/logx"
)

func mapLoggingConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig defaults to the memory driver when the section is omitted.
func mapStorageConfig(cfg *Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file", "pebble":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func persistent(sc storage.Config) bool { return sc.Driver != "memory" && sc.Driver != "" }

func mapQueueOverride(path string, o QueueOverride) (queue.QueueConfig, error) {
	delay, err := parseDurationField(path+".retry_delay", o.RetryDelay)
	if err != nil {
		return queue.QueueConfig{}, err
	}
	timeout, err := parseDurationField(path+".timeout", o.Timeout)
	if err != nil {
		return queue.QueueConfig{}, err
	}
	return queue.QueueConfig{
		Concurrency:   o.Concurrency,
		RetryAttempts: o.RetryAttempts,
		RetryDelay:    delay,
		Timeout:       timeout,
	}, nil
}

func mapQueueManagerConfig(cfg *Config) (queue.Config, error) {
	idle, err := parseDurationOrDefault("queue.idle_tick", cfg.Queue.IdleTick, 100*time.Millisecond)
	if err != nil {
		return queue.Config{}, err
	}
	maxDelay, err := parseDurationField("queue.max_retry_delay", cfg.Queue.MaxRetryDelay)
	if err != nil {
		return queue.Config{}, err
	}
	def, err := mapQueueOverride("queue.defaults", cfg.Queue.Defaults)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{IdleTick: idle, Defaults: def, MaxRetryDelay: maxDelay}, nil
}

// mapQueueOverrides returns the per-queue settings lookup handed to the batch
// service. Unlisted queues get zero values and fall back to the defaults.
func mapQueueOverrides(cfg *Config) (func(name string) queue.QueueConfig, error) {
	m := make(map[string]queue.QueueConfig, len(cfg.Queues))
	for name, o := range cfg.Queues {
		qc, err := mapQueueOverride("queues."+name, o)
		if err != nil {
			return nil, err
		}
		m[strings.TrimSpace(name)] = qc
	}
	return func(name string) queue.QueueConfig { return m[name] }, nil
}

func mapBatchPolicy(cfg *Config) (batch.Policy, error) {
	poll, err := parseDurationField("batch.poll", cfg.Batch.Poll)
	if err != nil {
		return batch.Policy{}, err
	}
	defs, err := mapBatchDefaults(cfg.Batch.Defaults)
	if err != nil {
		return batch.Policy{}, err
	}
	p := batch.Policy{
		FailureTolerance: cfg.Batch.FailureTolerance,
		MaxItems:         cfg.Batch.MaxItems,
		ErrorLimit:       cfg.Batch.ErrorLimit,
		Poll:             poll,
		Defaults:         defs,
	}
	if p.FailureTolerance != nil {
		t := *p.FailureTolerance
		p.FailureTolerance = &t
	}
	return p, nil
}

// mapBatchDefaults overlays the configured submission defaults on the
// built-in ones.
func mapBatchDefaults(d config.BatchDefaultsConfig) (model.BatchConfig, error) {
	out := batch.DefaultBatchConfig()
	if d.MaxConcurrency > 0 {
		out.MaxConcurrency = d.MaxConcurrency
	}
	if d.ParallelProcessing != nil {
		out.ParallelProcessing = *d.ParallelProcessing
	}
	if d.RetryAttempts > 0 {
		out.RetryAttempts = d.RetryAttempts
	}
	var err error
	if out.RetryDelay, err = parseDurationOrDefault("batch.defaults.retry_delay", d.RetryDelay, out.RetryDelay); err != nil {
		return model.BatchConfig{}, err
	}
	if out.Timeout, err = parseDurationOrDefault("batch.defaults.timeout", d.Timeout, out.Timeout); err != nil {
		return model.BatchConfig{}, err
	}
	if pr := strings.ToUpper(strings.TrimSpace(d.Priority)); pr != "" {
		out.Priority = model.Priority(pr)
	}
	return out, nil
}

// mapProcessor builds the item processor. The echo driver (default) returns
// inputs unchanged; the http driver routes each batch type to its endpoint.
func mapProcessor(cfg *Config) (processor.Processor, error) {
	pc := cfg.Processor
	switch strings.ToLower(strings.TrimSpace(pc.Driver)) {
	case "", "echo":
		return processor.Echo{}, nil
	case "http":
		timeout, err := parseDurationOrDefault("processor.timeout", pc.Timeout, 30*time.Second)
		if err != nil {
			return nil, err
		}
		eps := make(map[model.BatchType]string, len(pc.Endpoints))
		for k, u := range pc.Endpoints {
			t, ok := model.ParseBatchType(k)
			if !ok {
				return nil, fmt.Errorf("processor.endpoints: unknown batch type %q", k)
			}
			eps[t] = u
		}
		h := processor.NewHTTP(eps, timeout)
		reg := processor.NewRegistry()
		for t := range eps {
			reg.Register(t, h)
		}
		return reg, nil
	default:
		return nil, fmt.Errorf("unknown processor.driver: %s", pc.Driver)
	}
}

// mapNotifierConfig returns the pipeline config and its sinks. An omitted
// section runs the pipeline with the log sink only.
func mapNotifierConfig(cfg *Config, log logx.Logger, persistDedup bool) (notifier.Config, []notifier.Sink, error) {
	sinks := []notifier.Sink{notifier.LogSink{Log: log}}
	if cfg.Notifier == nil {
		return notifier.Config{Enabled: true, PersistDedup: persistDedup}, sinks, nil
	}
	n := cfg.Notifier
	retryBase, err := parseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, nil, err
	}
	retryMax, err := parseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, nil, err
	}
	dedup, err := parseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, nil, err
	}
	if n.Webhook.Enabled {
		timeout, err := parseDurationOrDefault("notifier.webhook.timeout", n.Webhook.Timeout, 10*time.Second)
		if err != nil {
			return notifier.Config{}, nil, err
		}
		sinks = append(sinks, notifier.NewWebhookSink(n.Webhook.URL, timeout))
	}
	if n.Telegram.Enabled {
		tg, err := notifier.NewTelegramSink(notifier.TelegramConfig{
			Token:    n.Telegram.Token,
			ChatID:   n.Telegram.ChatID,
			ThreadID: n.Telegram.ThreadID,
		})
		if err != nil {
			return notifier.Config{}, nil, fmt.Errorf("notifier.telegram: %w", err)
		}
		sinks = append(sinks, tg)
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMax,
		DedupWindow:     dedup,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    persistDedup,
	}, sinks, nil
}

func mapMaintenanceConfig(cfg *Config) (maintenance.Config, error) {
	if cfg.Maintenance == nil {
		return maintenance.Config{}, nil
	}
	m := cfg.Maintenance
	if m.Enabled {
		if _, err := maintenance.Normalize(firstNonEmpty(m.Schedule, maintenance.DefaultSchedule)); err != nil {
			return maintenance.Config{}, fmt.Errorf("maintenance.schedule: %w", err)
		}
	}
	if tz := strings.TrimSpace(m.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return maintenance.Config{}, fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
		}
	}
	maxAge, err := parseDurationField("maintenance.retention.max_age", m.Retention.MaxAge)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{
		Enabled:  m.Enabled,
		Schedule: m.Schedule,
		Timezone: m.Timezone,
		MaxAge:   maxAge,
	}, nil
}

func mapOpsConfig(cfg *Config) (ops.Config, error) {
	o := cfg.Ops
	read, err := parseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	// /debug/pprof/profile streams for 30s by default.
	write, err := parseDurationOrDefault("ops.write_timeout", o.WriteTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := parseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          o.Addr,
		Prefix:        o.Prefix,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
