package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks struct-level ranges and every duration string. It is used
// on load and as the ConfigManager validator hook before a reload commits.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q (%v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}

	durations := map[string]string{
		"queue.idle_tick":               cfg.Queue.IdleTick,
		"queue.max_retry_delay":         cfg.Queue.MaxRetryDelay,
		"queue.defaults.retry_delay":    cfg.Queue.Defaults.RetryDelay,
		"queue.defaults.timeout":        cfg.Queue.Defaults.Timeout,
		"batch.poll":                    cfg.Batch.Poll,
		"batch.defaults.retry_delay":    cfg.Batch.Defaults.RetryDelay,
		"batch.defaults.timeout":        cfg.Batch.Defaults.Timeout,
		"processor.timeout":             cfg.Processor.Timeout,
		"ops.read_timeout":              cfg.Ops.ReadTimeout,
		"ops.write_timeout":             cfg.Ops.WriteTimeout,
		"ops.idle_timeout":              cfg.Ops.IdleTimeout,
		"storage.busy_timeout":          "",
		"notifier.retry_base":           "",
		"notifier.retry_max_delay":      "",
		"notifier.dedup_window":         "",
		"notifier.webhook.timeout":      "",
		"maintenance.retention.max_age": "",
	}
	if cfg.Storage != nil {
		durations["storage.busy_timeout"] = cfg.Storage.BusyTimeout
	}
	if n := cfg.Notifier; n != nil {
		durations["notifier.retry_base"] = n.RetryBase
		durations["notifier.retry_max_delay"] = n.RetryMaxDelay
		durations["notifier.dedup_window"] = n.DedupWindow
		durations["notifier.webhook.timeout"] = n.Webhook.Timeout
	}
	if m := cfg.Maintenance; m != nil {
		durations["maintenance.retention.max_age"] = m.Retention.MaxAge
	}
	for name, q := range cfg.Queues {
		if strings.TrimSpace(name) == "" {
			return errors.New("queues: empty queue name")
		}
		durations["queues."+name+".retry_delay"] = q.RetryDelay
		durations["queues."+name+".timeout"] = q.Timeout
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	if cfg.Processor.Driver == "http" && len(cfg.Processor.Endpoints) == 0 {
		return errors.New("processor.endpoints: required when driver is http")
	}
	if n := cfg.Notifier; n != nil && n.Telegram.Enabled {
		if strings.TrimSpace(n.Telegram.Token) == "" || n.Telegram.ChatID == 0 {
			return errors.New("notifier.telegram: token and chat_id are required when enabled")
		}
	}
	return nil
}
