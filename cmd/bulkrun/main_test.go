package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestReadItems(t *testing.T) {
	items, err := readItems(strings.NewReader(`[{"a":1}, 2, "x"]`), "-")
	if err != nil {
		t.Fatalf("readItems: %v", err)
	}
	if len(items) != 3 || string(items[0]) != `{"a":1}` {
		t.Fatalf("items = %q", items)
	}
	if _, err := readItems(strings.NewReader(`{"a":1}`), "-"); err == nil {
		t.Fatal("expected error for non-array input")
	}
}

func TestConfigPathPrecedence(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "")

	t.Setenv(configEnv, "")
	if got := configPath(cmd); got != "./bulkrun.yaml" {
		t.Fatalf("default = %q", got)
	}
	t.Setenv(configEnv, "/etc/bulkrun.yaml")
	if got := configPath(cmd); got != "/etc/bulkrun.yaml" {
		t.Fatalf("env = %q", got)
	}
	_ = cmd.Flags().Set("config", "cfg.json")
	if got := configPath(cmd); got != "cfg.json" {
		t.Fatalf("flag = %q", got)
	}
}

func TestLoadOptionalConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadOptionalConfig(filepath.Join(dir, "missing.yaml"))
	if err != nil || cfg == nil {
		t.Fatalf("missing file: cfg=%v err=%v", cfg, err)
	}

	path := filepath.Join(dir, "bulkrun.yaml")
	if err := os.WriteFile(path, []byte("batch:\n  max_items: 3\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err = loadOptionalConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Batch.MaxItems != 3 {
		t.Fatalf("max_items = %d", cfg.Batch.MaxItems)
	}

	if err := os.WriteFile(path, []byte("bogus: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadOptionalConfig(path); err == nil {
		t.Fatal("expected unknown field error")
	}
}
