package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "queue"))

	log.Debug("hidden")
	log.Info("job done", Int("attempt", 2), Duration("took", 1500*time.Millisecond), Err(errors.New("boom")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["message"] != "job done" || rec["comp"] != "queue" || rec["attempt"] != float64(2) || rec["err"] != "boom" {
		t.Fatalf("record = %v", rec)
	}
	if c, _ := rec["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %v", rec["caller"])
	}
}

func TestZeroAndNopLoggers(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	zero.Info("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop should not be zero")
	}
	if zero.With(String("k", "v")).IsZero() {
		t.Fatal("With should make the logger non-zero")
	}
}

func TestServiceApplySwitchesFileAndLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bulkrun.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("before")
	log.Warn("kept")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("after")
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	if strings.Contains(out, `"before"`) || !strings.Contains(out, `"kept"`) || !strings.Contains(out, `"after"`) {
		t.Fatalf("log file = %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"", "debug", "WARNING", " error "} {
		if _, ok := ParseLevel(s); !ok {
			t.Fatalf("ParseLevel(%q) rejected", s)
		}
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Fatal("ParseLevel accepted an unknown level")
	}
}
