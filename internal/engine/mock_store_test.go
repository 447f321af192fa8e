package engine

import (
	"context"
	"sync"
	"time"

	"github.com/ghostworker/flow/internal/store"
	"github.com/ghostworker/flow/pkg/schema"
)

// mockStore is a minimal in-memory Store for testing.
type mockStore struct {
	mu        sync.Mutex
	workflows map[string]*schema.Workflow
	runs      map[string]*schema.WorkflowRun
	runLog    map[string][]schema.LogEntry

	failAppend error // when set, AppendLogEntry fails
}

var _ store.Store = (*mockStore)(nil)

func newMockStore() *mockStore {
	return &mockStore{
		workflows: make(map[string]*schema.Workflow),
		runs:      make(map[string]*schema.WorkflowRun),
		runLog:    make(map[string][]schema.LogEntry),
	}
}

func (m *mockStore) CreateWorkflow(_ context.Context, wf *schema.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *wf
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *mockStore) GetWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *mockStore) ListActiveWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.Workflow
	for _, wf := range m.workflows {
		if !wf.IsActive {
			continue
		}
		if filter.TeamID != "" && wf.TeamID != filter.TeamID {
			continue
		}
		if filter.TriggerType != "" && wf.Trigger.Type != filter.TriggerType {
			continue
		}
		cp := *wf
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) RecordWorkflowRun(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	wf.RunCount++
	wf.LastRun = &at
	return nil
}

func (m *mockStore) CreateRun(_ context.Context, run *schema.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *mockStore) GetRun(_ context.Context, id string) (*schema.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id)
	}
	cp := *run
	return &cp, nil
}

func (m *mockStore) UpdateRun(_ context.Context, id string, update store.RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.ErrorMessage != nil {
		run.ErrorMessage = *update.ErrorMessage
	}
	if update.ExecutionLog != nil {
		run.ExecutionLog = update.ExecutionLog
	}
	if update.StartedAt != nil {
		run.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	if update.ResumeAt != nil {
		run.ResumeAt = update.ResumeAt
	}
	if update.ResumeState != nil {
		run.ResumeState = update.ResumeState
	}
	if update.ClearResume {
		run.ResumeAt = nil
		run.ResumeState = nil
	}
	return nil
}

func (m *mockStore) FindRunByEvent(_ context.Context, workflowID, eventID string) (*schema.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if eventID == "" {
		return nil, schema.NewError(schema.ErrCodeNotFound, "no event id")
	}
	for _, run := range m.runs {
		if run.WorkflowID == workflowID && run.EventID == eventID {
			cp := *run
			return &cp, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run for event %q not found", eventID)
}

func (m *mockStore) ListDueRuns(_ context.Context, now time.Time) ([]*schema.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.WorkflowRun
	for _, run := range m.runs {
		if run.Status == schema.RunPending && run.ResumeAt != nil && !run.ResumeAt.After(now) {
			cp := *run
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockStore) AppendLogEntry(_ context.Context, runID string, entry *schema.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend != nil {
		return m.failAppend
	}
	entry.Seq = int64(len(m.runLog[runID]) + 1)
	m.runLog[runID] = append(m.runLog[runID], *entry)
	return nil
}

func (m *mockStore) GetRunLog(_ context.Context, runID string) ([]schema.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]schema.LogEntry, len(m.runLog[runID]))
	copy(entries, m.runLog[runID])
	return entries, nil
}

func (m *mockStore) Migrate(_ context.Context) error { return nil }
func (m *mockStore) Close() error                    { return nil }
