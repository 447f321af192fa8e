package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ghostworker/flow/internal/store"
	"github.com/ghostworker/flow/pkg/schema"
)

// Recorder owns the run record's lifecycle in the store: creation, the
// incremental per-node log, suspension state, and exactly-once finalization.
type Recorder struct {
	store  store.Store
	logger *slog.Logger
}

func NewRecorder(st store.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: st, logger: logger}
}

// Create persists a new pending run for a workflow and trigger event.
func (r *Recorder) Create(ctx context.Context, workflowID string, event *schema.TriggerEvent) (*schema.WorkflowRun, error) {
	run := &schema.WorkflowRun{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Status:     schema.RunPending,
	}
	if event != nil {
		run.EventID = event.EventID
		run.TriggerData = event.Payload
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
	}
	return run, nil
}

// Start transitions the run to running and stamps started_at.
func (r *Recorder) Start(ctx context.Context, run *schema.WorkflowRun) error {
	if err := ValidateTransition(run.ID, run.Status, schema.RunRunning); err != nil {
		return err
	}
	now := time.Now().UTC()
	running := schema.RunRunning
	update := store.RunUpdate{Status: &running, ClearResume: run.ResumeAt != nil}
	if run.StartedAt == nil {
		update.StartedAt = &now
		run.StartedAt = &now
	}
	if err := r.store.UpdateRun(ctx, run.ID, update); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "start run: %s", err.Error()).WithCause(err)
	}
	run.Status = schema.RunRunning
	run.ResumeAt = nil
	run.ResumeState = nil
	return nil
}

// RecordNode appends one node outcome to the run's log. The row commits
// immediately so a crash leaves a partial, inspectable log.
func (r *Recorder) RecordNode(ctx context.Context, runID string, entry *schema.LogEntry) error {
	if err := r.store.AppendLogEntry(ctx, runID, entry); err != nil {
		r.logger.ErrorContext(ctx, "append run log entry failed", "error", err, "node_id", entry.NodeID)
		return schema.NewErrorf(schema.ErrCodeStore, "append log entry: %s", err.Error()).WithCause(err)
	}
	return nil
}

// Park suspends a running run for a delay node: status back to pending with
// resume_at and the walker snapshot set.
func (r *Recorder) Park(ctx context.Context, run *schema.WorkflowRun, resumeAt time.Time, state []byte) error {
	if err := ValidateTransition(run.ID, run.Status, schema.RunPending); err != nil {
		return err
	}
	pending := schema.RunPending
	if err := r.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status:      &pending,
		ResumeAt:    &resumeAt,
		ResumeState: state,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "park run: %s", err.Error()).WithCause(err)
	}
	run.Status = schema.RunPending
	run.ResumeAt = &resumeAt
	run.ResumeState = state
	return nil
}

// Finalize sets the run's terminal status, error message, completed_at, and
// the materialized execution log, exactly once. Finalizing an already
// terminal run is a no-op.
func (r *Recorder) Finalize(ctx context.Context, run *schema.WorkflowRun, status schema.RunStatus, errMsg string) error {
	if run.Status.Terminal() {
		return nil
	}
	if err := ValidateTransition(run.ID, run.Status, status); err != nil {
		return err
	}

	entries, err := r.store.GetRunLog(ctx, run.ID)
	if err != nil {
		r.logger.ErrorContext(ctx, "materialize run log failed", "error", err)
		entries = run.ExecutionLog
	}
	if entries == nil {
		entries = []schema.LogEntry{}
	}

	now := time.Now().UTC()
	update := store.RunUpdate{
		Status:       &status,
		CompletedAt:  &now,
		ExecutionLog: entries,
	}
	if errMsg != "" {
		update.ErrorMessage = &errMsg
	}
	if err := r.store.UpdateRun(ctx, run.ID, update); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "finalize run: %s", err.Error()).WithCause(err)
	}
	run.Status = status
	run.CompletedAt = &now
	run.ErrorMessage = errMsg
	run.ExecutionLog = entries
	return nil
}
