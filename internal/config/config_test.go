package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./bulkrun.db
queue:
  idle_tick: 50ms
  defaults:
    concurrency: 4
queues:
  batch.critical:
    concurrency: 10
    retry_delay: 2s
batch:
  failure_tolerance: 0.05
  max_items: 500
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("bulkrun.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging not decoded: %+v", cfg.Logging)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage not decoded: %+v", cfg.Storage)
	}
	if got := cfg.Queues["batch.critical"].Concurrency; got != 10 {
		t.Fatalf("queue override concurrency=%d", got)
	}
	if cfg.Batch.FailureTolerance == nil || *cfg.Batch.FailureTolerance != 0.05 {
		t.Fatalf("failure tolerance not decoded")
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		path string
		body string
	}{
		{"yaml", "c.yaml", "logging:\n  levle: info\n"},
		{"json", "c.json", `{"logging":{"level":"info"},"bogus":1}`},
		{"trailing", "c.json", `{"logging":{}} {"logging":{}}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tc.path, []byte(tc.body)); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tol := 1.5
	cases := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"empty ok", Config{}, ""},
		{"bad driver", Config{Storage: &StorageConfig{Driver: "redis"}}, "Driver"},
		{"bad duration", Config{Queue: QueueEngineConfig{IdleTick: "soon"}}, "queue.idle_tick"},
		{"negative duration", Config{Batch: BatchPolicyConfig{Poll: "-1s"}}, "batch.poll"},
		{"tolerance range", Config{Batch: BatchPolicyConfig{FailureTolerance: &tol}}, "FailureTolerance"},
		{"queue override duration", Config{Queues: map[string]QueueOverride{"q": {Timeout: "x"}}}, "queues.q.timeout"},
		{"http without endpoints", Config{Processor: ProcessorConfig{Driver: "http"}}, "processor.endpoints"},
		{"bad endpoint key", Config{Processor: ProcessorConfig{Driver: "http", Endpoints: map[string]string{"PATCH": "http://x"}}}, "Endpoints"},
		{"telegram missing chat", Config{Notifier: &NotifierConfig{Telegram: TelegramSinkConfig{Enabled: true, Token: "t"}}}, "notifier.telegram"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tc.cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", time.Second)
	if err != nil || d != time.Second {
		t.Fatalf("d=%v err=%v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("d=%v err=%v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "nope", time.Second); err == nil {
		t.Fatal("expected error")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Logging: LoggingConfig{Level: "info"},
		Queues:  map[string]QueueOverride{"a": {Concurrency: 1}, "b": {Concurrency: 2}},
		Ops:     OpsConfig{Token: "old-secret"},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Queues:  map[string]QueueOverride{"a": {Concurrency: 3}, "c": {Concurrency: 1}},
		Ops:     OpsConfig{Token: "new-secret"},
	}
	changed, attrs, queues := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "logging,queues" {
		t.Fatalf("changed=%v", changed)
	}
	if strings.Join(queues, ",") != "a,b,c" {
		t.Fatalf("queues=%v", queues)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
}

func TestManagerWatchPublishesReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "bulkrun.json")
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("level=%q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload not published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("reload not committed")
	}
}
