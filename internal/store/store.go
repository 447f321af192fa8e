package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ghostworker/flow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows. CRUD beyond creation lives outside the engine; write access
	// is limited to run statistics.
	CreateWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	ListActiveWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	RecordWorkflowRun(ctx context.Context, id string, at time.Time) error

	// Runs
	CreateRun(ctx context.Context, run *schema.WorkflowRun) error
	GetRun(ctx context.Context, id string) (*schema.WorkflowRun, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	FindRunByEvent(ctx context.Context, workflowID, eventID string) (*schema.WorkflowRun, error)
	ListDueRuns(ctx context.Context, now time.Time) ([]*schema.WorkflowRun, error)

	// Run log (append-only)
	AppendLogEntry(ctx context.Context, runID string, entry *schema.LogEntry) error
	GetRunLog(ctx context.Context, runID string) ([]schema.LogEntry, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// WorkflowFilter narrows ListActiveWorkflows. Zero values mean no constraint.
type WorkflowFilter struct {
	TeamID      string
	TriggerType schema.TriggerType
	Limit       int
}

// RunUpdate carries the mutable fields of a run. Nil pointers leave the
// column untouched. ClearResume drops the parked-delay state in the same
// statement that resumes a run.
type RunUpdate struct {
	Status       *schema.RunStatus
	ErrorMessage *string
	ExecutionLog []schema.LogEntry
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ResumeAt     *time.Time
	ResumeState  json.RawMessage
	ClearResume  bool
}
