package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  max_concurrent_runs: 5
  default_task_timeout: 15m
  timezone: UTC
storage:
  driver: file
  path: ./store.json
task_runtime:
  base_url: http://127.0.0.1:8080
workspaces:
  root: /srv/workspaces
  scoped_runs: true
`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.MaxConcurrentRuns != 5 {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.Timezone != "UTC" {
		t.Fatalf("timezone = %q", cfg.Scheduler.Timezone)
	}
	if cfg.TaskRuntime == nil || cfg.TaskRuntime.BaseURL != "http://127.0.0.1:8080" {
		t.Fatalf("task_runtime = %+v", cfg.TaskRuntime)
	}
	if cfg.Workspaces.Root != "/srv/workspaces" || !cfg.Workspaces.ScopedRuns {
		t.Fatalf("workspaces = %+v", cfg.Workspaces)
	}

	d, err := ParseDurationField("scheduler.default_task_timeout", cfg.Scheduler.DefaultTaskTimeout)
	if err != nil || d != 15*time.Minute {
		t.Fatalf("timeout = %v err=%v", d, err)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}, "chat": {"enabled": false, "chat_id": 0, "thread_id": 0, "min_level": "", "rate_per_sec": 0}},
  "scheduler": {"enabled": true},
  "storage": {"driver": "file", "path": "./store.json"},
  "workspaces": {"root": "/srv/ws"}
}`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.Scheduler.Enabled {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Telegram != nil {
		t.Fatalf("telegram should be nil when omitted: %+v", cfg.Telegram)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
logging:
  level: info
schedulr:
  enabled: true
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"logging":{"level":"info","console":false,"file":{"enabled":false,"path":""},"chat":{"enabled":false,"chat_id":0,"thread_id":0,"min_level":"","rate_per_sec":0}},"scheduler":{"enabled":false},"storage":{"driver":"","path":""},"workspaces":{"root":""}}{}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if _, err := ParseDurationField("x", "nonsense"); err == nil {
		t.Fatal("expected error")
	}
	d, err := ParseDurationOrDefault("x", "", 7*time.Second)
	if err != nil || d != 7*time.Second {
		t.Fatalf("default = %v err=%v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("parsed = %v err=%v", d, err)
	}
}
