package worker

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yml")
	data := []byte(`
concurrency: 4
activity_concurrency: 12
lock_timeout: 30s
version:
  version: v2
  match: exact
  on_mismatch: succeed
storage:
  driver: sqlite
  dsn: "file:durable.db?_journal=WAL"
  table_prefix: jobs
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Concurrency != 4 {
		t.Errorf("concurrency = %d, want 4", cfg.Concurrency)
	}
	if cfg.ActivityConcurrency != 12 {
		t.Errorf("activity_concurrency = %d, want 12", cfg.ActivityConcurrency)
	}
	if cfg.LockTimeout.Std() != 30*time.Second {
		t.Errorf("lock_timeout = %s, want 30s", cfg.LockTimeout.Std())
	}
	if cfg.Version.Version != "v2" || cfg.Version.Match != MatchExact || cfg.Version.OnMismatch != FailureStrategySucceed {
		t.Errorf("unexpected version policy %+v", cfg.Version)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.TablePrefix != "jobs" {
		t.Errorf("unexpected storage config %+v", cfg.Storage)
	}
	// defaults fill in for absent keys
	if cfg.AppendRetries != 3 {
		t.Errorf("append_retries = %d, want default 3", cfg.AppendRetries)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	cfg.Storage.Driver = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown driver error")
	}

	cfg = DefaultConfig()
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.DSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing dsn error")
	}

	cfg = DefaultConfig()
	cfg.LockTimeout = Duration(-time.Second)
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected negative lock timeout error")
	}
}

func TestConfigNormalizeDefaults(t *testing.T) {
	cfg := Config{}.Normalize()
	if cfg.Concurrency != 8 || cfg.ActivityConcurrency != 16 {
		t.Fatalf("unexpected concurrency defaults %+v", cfg)
	}
	if cfg.Storage.Driver != "memory" || cfg.Storage.TablePrefix != "durable" {
		t.Fatalf("unexpected storage defaults %+v", cfg.Storage)
	}
}
