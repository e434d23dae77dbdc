package scheduler

import (
	"context"
	"time"
)

// NextRunCalculator turns an opaque schedule expression into the next
// fire instant at or after now. ok=false means the schedule can never
// fire again. An error marks the expression itself as invalid.
type NextRunCalculator interface {
	NextRun(schedule string, now time.Time) (next time.Time, ok bool, err error)
}

// TaskSpec describes the unit of work handed to the task runtime.
type TaskSpec struct {
	Title         string
	Prompt        string
	WorkspaceID   string
	WorkspacePath string
	Model         string
}

type TaskRef struct {
	ID string
}

// TaskRuntime creates units of work. Status polling and result retrieval
// are optional capabilities discovered via interface assertion.
type TaskRuntime interface {
	CreateTask(ctx context.Context, spec TaskSpec) (TaskRef, error)
}

// TaskState is the runtime's view of a task.
// Terminal is empty while the task is still running; terminal values are
// "completed", "partial" and "failed".
type TaskState struct {
	Status   string
	Terminal string
	Summary  string
	Error    string
}

const (
	TerminalCompleted = "completed"
	TerminalPartial   = "partial"
	TerminalFailed    = "failed"
)

// StatusPoller is the optional polling capability of a TaskRuntime.
type StatusPoller interface {
	TaskStatus(ctx context.Context, id string) (TaskState, error)
}

// ResultFetcher is the optional result-retrieval capability of a TaskRuntime.
type ResultFetcher interface {
	TaskResultText(ctx context.Context, id string) (string, error)
}

// WorkspacePhase distinguishes add-time validation from run-time resolution.
type WorkspacePhase string

const (
	PhaseAdd WorkspacePhase = "add"
	PhaseRun WorkspacePhase = "run"
)

type WorkspaceRequest struct {
	Job   Job
	Now   time.Time
	Phase WorkspacePhase
}

// WorkspaceContext is the resolved filesystem context for one run.
// RunPath/RunRelPath are set only when a scoped per-run subfolder was
// allocated.
type WorkspaceContext struct {
	WorkspaceID   string
	WorkspacePath string
	RunPath       string
	RunRelPath    string
}

type WorkspaceResolver interface {
	Resolve(ctx context.Context, req WorkspaceRequest) (*WorkspaceContext, error)
}

// VariableResolver supplies extra prompt template variables for a run.
type VariableResolver interface {
	Variables(ctx context.Context, job Job, runAt, prevRunAt time.Time) (map[string]string, error)
}

// Delivery is one outbound notification about a finished run.
type Delivery struct {
	ChannelType    string
	ChannelID      string
	JobName        string
	Status         RunStatus
	TaskID         string
	Error          string
	ResultText     string
	SummaryOnly    bool
	IdempotencyKey string
}

// Deliverer pushes a Delivery to its channel. A returned error queues the
// delivery into the outbox for retry.
type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) error
}

// Deps bundles the service's injected collaborators.
type Deps struct {
	Runtime    TaskRuntime
	NextRun    NextRunCalculator
	Workspaces WorkspaceResolver
	Variables  VariableResolver // optional
	Deliverer  Deliverer        // optional; nil fails deliveries into the outbox
	Now        func() time.Time // optional; defaults to time.Now
}
