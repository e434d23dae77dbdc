package scheduler

import "time"

// storeVersion tags the persisted record layout.
const storeVersion = 1

// RunStatus is the terminal classification of one job execution.
type RunStatus string

const (
	RunStatusOK      RunStatus = "ok"
	RunStatusPartial RunStatus = "partial_success"
	RunStatusError   RunStatus = "error"
	RunStatusTimeout RunStatus = "timeout"
)

// successLike reports whether a status should follow the success delivery path.
func (s RunStatus) successLike() bool {
	return s == RunStatusOK || s == RunStatusPartial
}

// DeliveryMode records which path carried (or is carrying) a run's delivery.
type DeliveryMode string

const (
	DeliveryModeDirect DeliveryMode = "direct"
	DeliveryModeOutbox DeliveryMode = "outbox"
)

// DeliverableStatus is the state of a run's delivery obligation.
type DeliverableStatus string

const (
	DeliverableNone       DeliverableStatus = "none"
	DeliverableQueued     DeliverableStatus = "queued"
	DeliverableSent       DeliverableStatus = "sent"
	DeliverableDeadLetter DeliverableStatus = "dead_letter"
)

// OutboxState is the lifecycle state of an outbox entry.
type OutboxState string

const (
	OutboxQueued     OutboxState = "queued"
	OutboxSent       OutboxState = "sent"
	OutboxDeadLetter OutboxState = "dead_letter"
)

// DeliveryConfig attaches a notification channel to a job.
// A nil DeliveryConfig on a Job means delivery is disabled.
type DeliveryConfig struct {
	ChannelType string `json:"channel_type"`
	ChannelID   string `json:"channel_id"`
	OnSuccess   bool   `json:"on_success"`
	OnError     bool   `json:"on_error"`
	SummaryOnly bool   `json:"summary_only,omitempty"`
	// OnlyIfResult skips success deliveries whose result text is empty.
	OnlyIfResult bool `json:"only_if_result,omitempty"`
}

// Job is a scheduled unit of recurring or one-shot work.
//
// All *_at_ms fields are epoch milliseconds; zero means "unset".
// Runtime-state fields are mutated only by this package.
type Job struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Enabled        bool   `json:"enabled"`
	DeleteAfterRun bool   `json:"delete_after_run,omitempty"`
	Schedule       string `json:"schedule"`
	WorkspaceID    string `json:"workspace_id"`
	TaskTitle      string `json:"task_title,omitempty"`
	Prompt         string `json:"prompt"`

	// TimeoutMS overrides the service default poll budget (0 = use default).
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
	// Model optionally routes the task to a specific model.
	Model string `json:"model,omitempty"`
	// HistoryLimit overrides the service default retention (0 = use default).
	HistoryLimit int `json:"history_limit,omitempty"`

	Delivery *DeliveryConfig `json:"delivery,omitempty"`

	// Runtime state.
	NextRunAtMS    int64             `json:"next_run_at_ms,omitempty"`
	RunningAtMS    int64             `json:"running_at_ms,omitempty"`
	LastRunAtMS    int64             `json:"last_run_at_ms,omitempty"`
	LastDurationMS int64             `json:"last_duration_ms,omitempty"`
	LastStatus     RunStatus         `json:"last_status,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	LastTaskID     string            `json:"last_task_id,omitempty"`
	TotalRuns      int64             `json:"total_runs,omitempty"`
	SuccessfulRuns int64             `json:"successful_runs,omitempty"`
	FailedRuns     int64             `json:"failed_runs,omitempty"`
	RunHistory     []RunHistoryEntry `json:"run_history,omitempty"`
}

func (j *Job) clone() Job {
	cp := *j
	if j.Delivery != nil {
		d := *j.Delivery
		cp.Delivery = &d
	}
	cp.RunHistory = append([]RunHistoryEntry(nil), j.RunHistory...)
	return cp
}

// RunHistoryEntry is an immutable record of one execution attempt,
// prepended to the owning job's history (most recent first).
type RunHistoryEntry struct {
	RunAtMS    int64     `json:"run_at_ms"`
	DurationMS int64     `json:"duration_ms"`
	Status     RunStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`

	WorkspaceID   string `json:"workspace_id,omitempty"`
	WorkspacePath string `json:"workspace_path,omitempty"`

	// Delivery bookkeeping, patched in place as the obligation progresses.
	DeliveryMode      DeliveryMode      `json:"delivery_mode,omitempty"`
	DeliveryAttempts  int               `json:"delivery_attempts,omitempty"`
	DeliverableStatus DeliverableStatus `json:"deliverable_status,omitempty"`
	DeliveryError     string            `json:"delivery_error,omitempty"`
}

// OutboxEntry is a queued, retryable delivery obligation, created only
// when a direct delivery attempt fails.
type OutboxEntry struct {
	ID      string `json:"id"`
	JobID   string `json:"job_id"`
	JobName string `json:"job_name"`
	// RunAtMS correlates the entry back to a RunHistoryEntry.
	RunAtMS int64  `json:"run_at_ms"`
	TaskID  string `json:"task_id,omitempty"`

	QueuedAtMS      int64 `json:"queued_at_ms"`
	NextAttemptAtMS int64 `json:"next_attempt_at_ms"`
	Attempts        int   `json:"attempts"`
	MaxAttempts     int   `json:"max_attempts"`

	ChannelType string    `json:"channel_type"`
	ChannelID   string    `json:"channel_id"`
	Status      RunStatus `json:"status"`
	ResultText  string    `json:"result_text,omitempty"`
	ErrorText   string    `json:"error_text,omitempty"`
	SummaryOnly bool      `json:"summary_only,omitempty"`

	IdempotencyKey string      `json:"idempotency_key"`
	State          OutboxState `json:"state"`
	LastError      string      `json:"last_error,omitempty"`
}

// State is the persisted aggregate: the single unit of atomic persistence.
type State struct {
	Version int            `json:"version"`
	Jobs    []*Job         `json:"jobs"`
	Outbox  []*OutboxEntry `json:"outbox"`
}

// Config controls the scheduled-task engine.
type Config struct {
	Enabled            bool
	MaxConcurrentRuns  int
	DefaultTaskTimeout time.Duration
	PollInterval       time.Duration
	HistorySize        int
	DrainInterval      time.Duration
	DrainBatchSize     int
	DeliveryRatePerSec int
	Timezone           string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = 3
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = 30 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 20
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 30 * time.Second
	}
	if c.DrainBatchSize <= 0 {
		c.DrainBatchSize = 10
	}
	if c.DeliveryRatePerSec <= 0 {
		c.DeliveryRatePerSec = 3
	}
	return c
}

// StatusSummary is the operational snapshot returned by Service.Status.
type StatusSummary struct {
	EnabledJobs  int       `json:"enabled_jobs"`
	TotalJobs    int       `json:"total_jobs"`
	RunningCount int       `json:"running_count"`
	NextWakeAt   time.Time `json:"next_wake_at,omitzero"`
	OutboxQueued int       `json:"outbox_queued"`
}

// RunMode selects the precondition set for Service.Run.
type RunMode string

const (
	// RunModeDue requires the job to be enabled and due.
	RunModeDue RunMode = "due"
	// RunModeForce bypasses the enabled/due checks (manual or webhook
	// triggered execution) but still respects the in-flight mutex.
	RunModeForce RunMode = "force"
)
