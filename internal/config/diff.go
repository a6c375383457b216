package config

import (
	"reflect"
	"sort"
	"strings"

	logx "bulkrun/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the names of queues whose override changed (added, removed or edited).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Ops (never log token)
	oOps, nOps := oldCfg.Ops, newCfg.Ops
	oOps.Token, nOps.Token = tokenMarker(oOps.Token), tokenMarker(nOps.Token)
	if oOps != nOps {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.allow_insecure", newCfg.Ops.AllowInsecure),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.idle_tick", newCfg.Queue.IdleTick),
			logx.String("queue.max_retry_delay", newCfg.Queue.MaxRetryDelay),
			logx.Int("queue.defaults.concurrency", newCfg.Queue.Defaults.Concurrency),
			logx.Int("queue.defaults.retry_attempts", newCfg.Queue.Defaults.RetryAttempts),
		)
	}

	queuesChanged := diffQueues(oldCfg.Queues, newCfg.Queues)
	if len(queuesChanged) > 0 {
		changed = append(changed, "queues")
		attrs = append(attrs,
			logx.Int("queues.changed_count", len(queuesChanged)),
			logx.Int("queues.override_count", len(newCfg.Queues)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Batch, newCfg.Batch) {
		changed = append(changed, "batch")
		tol := -1.0
		if newCfg.Batch.FailureTolerance != nil {
			tol = *newCfg.Batch.FailureTolerance
		}
		attrs = append(attrs,
			logx.Float64("batch.failure_tolerance", tol),
			logx.Int("batch.max_items", newCfg.Batch.MaxItems),
			logx.Int("batch.error_limit", newCfg.Batch.ErrorLimit),
		)
	}

	if !reflect.DeepEqual(oldCfg.Processor, newCfg.Processor) {
		changed = append(changed, "processor")
		attrs = append(attrs,
			logx.String("processor.driver", newCfg.Processor.Driver),
			logx.Int("processor.endpoints", len(newCfg.Processor.Endpoints)),
		)
	}

	// Notifier. Nil means the log-only default.
	oldN, newN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	oldN.Telegram.Token, newN.Telegram.Token = tokenMarker(oldN.Telegram.Token), tokenMarker(newN.Telegram.Token)
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
			logx.Bool("notifier.webhook", newN.Webhook.Enabled),
			logx.Bool("notifier.telegram", newN.Telegram.Enabled),
		)
	}

	oldM, newM := derefMaintenance(oldCfg.Maintenance), derefMaintenance(newCfg.Maintenance)
	if oldM != newM {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", newM.Enabled),
			logx.String("maintenance.schedule", newM.Schedule),
			logx.String("maintenance.retention.max_age", newM.Retention.MaxAge),
		)
	}

	// Storage (persistence). Driver changes require a restart.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver = strings.TrimSpace(s.Driver)
		oBusy = strings.TrimSpace(s.BusyTimeout)
		oPathSet = strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver = strings.TrimSpace(s.Driver)
		nBusy = strings.TrimSpace(s.BusyTimeout)
		nPathSet = strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	sort.Strings(changed)
	return changed, attrs, queuesChanged
}

func tokenMarker(tok string) string {
	if strings.TrimSpace(tok) == "" {
		return ""
	}
	return "set"
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func derefMaintenance(m *MaintenanceConfig) MaintenanceConfig {
	if m == nil {
		return MaintenanceConfig{}
	}
	return *m
}

func diffQueues(oldM, newM map[string]QueueOverride) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || o != n {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
