package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Pprof   PprofConfig   `json:"pprof,omitempty"`

	// Scheduler controls the scheduled-task engine: concurrency ceiling,
	// polling cadence, history retention, and outbox drain behavior.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Telegram configures the delivery transport. Optional: without it,
	// jobs still run but telegram-channel deliveries fail the decision gate.
	Telegram *TelegramConfig `json:"telegram,omitempty"`

	Storage     StorageConfig      `json:"storage"`
	TaskRuntime *TaskRuntimeConfig `json:"task_runtime,omitempty"`
	Workspaces  WorkspacesConfig   `json:"workspaces"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// Timeout is a Go duration string bounding one API call (e.g. "10s").
	Timeout string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat mirrors warn/error log lines into an ops chat.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the scheduled-task engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent_runs: 3
//   - default_task_timeout: "30m"
//   - poll_interval: "2s"
//   - history_size: 20
//   - drain_interval: "30s"
//   - drain_batch_size: 10
//   - delivery_rate_per_sec: 3
type SchedulerConfig struct {
	Enabled           bool `json:"enabled"`
	MaxConcurrentRuns int  `json:"max_concurrent_runs,omitempty"`

	// DefaultTaskTimeout bounds status polling for jobs without a per-job
	// override.
	DefaultTaskTimeout string `json:"default_task_timeout,omitempty"`

	// PollInterval is the cadence of task status polls during a run.
	PollInterval string `json:"poll_interval,omitempty"`

	HistorySize int `json:"history_size,omitempty"`

	// DrainInterval is the cadence of the outbox retry drain.
	DrainInterval  string `json:"drain_interval,omitempty"`
	DrainBatchSize int    `json:"drain_batch_size,omitempty"`

	// DeliveryRatePerSec rate-limits outbound channel deliveries
	// (direct attempts and drain retries share one token bucket).
	DeliveryRatePerSec int `json:"delivery_rate_per_sec,omitempty"`

	// Timezone used by the cron next-run calculator. IANA name.
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the persistence layer for the job store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./taskmill_store.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// TaskRuntimeConfig points at the external task runtime's HTTP API.
type TaskRuntimeConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"`
	// Timeout is a Go duration string bounding one API call.
	Timeout string `json:"timeout,omitempty"`
}

// WorkspacesConfig controls the local workspace resolver.
type WorkspacesConfig struct {
	// Root is the directory under which workspace ids are resolved.
	Root string `json:"root"`
	// ScopedRuns allocates a per-run subfolder (runs/<job>-<timestamp>)
	// inside the workspace for every execution.
	ScopedRuns bool `json:"scoped_runs,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
