package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostworker/flow/internal/engine"
	"github.com/ghostworker/flow/internal/store"
	"github.com/ghostworker/flow/pkg/schema"
)

type fakeStore struct {
	store.Store
	mu        sync.Mutex
	workflows []*schema.Workflow
	dueRuns   []*schema.WorkflowRun
	listErr   error
}

func (f *fakeStore) ListActiveWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*schema.Workflow
	for _, wf := range f.workflows {
		if filter.TriggerType != "" && wf.Trigger.Type != filter.TriggerType {
			continue
		}
		out = append(out, wf)
	}
	return out, nil
}

func (f *fakeStore) ListDueRuns(_ context.Context, _ time.Time) ([]*schema.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dueRuns, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []*schema.TriggerEvent
	err    error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, event *schema.TriggerEvent) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return 0, d.err
	}
	d.events = append(d.events, event)
	return 1, nil
}

type recordingResumer struct {
	mu   sync.Mutex
	runs []string
	err  error
}

func (r *recordingResumer) Resume(_ context.Context, run *schema.WorkflowRun) (*schema.WorkflowRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run.ID)
	return run, r.err
}

func scheduleWorkflow(id, cronExpr string) *schema.Workflow {
	return &schema.Workflow{
		ID:     id,
		TeamID: "team-1",
		Name:   "nightly report",
		Trigger: schema.Trigger{
			Type:   schema.TriggerSchedule,
			Config: json.RawMessage(`{"cron":"` + cronExpr + `"}`),
		},
		IsActive: true,
	}
}

func newTestScheduler(t *testing.T, st *fakeStore, d *recordingDispatcher, r RunResumer) *Scheduler {
	t.Helper()
	pool := engine.NewWorkerPool(2)
	t.Cleanup(pool.Shutdown)
	logger := slog.New(slog.DiscardHandler)
	return NewScheduler(st, d, r, pool, logger, time.Minute)
}

func TestSchedulerFirstSightOnlyArms(t *testing.T) {
	st := &fakeStore{workflows: []*schema.Workflow{scheduleWorkflow("wf-1", "* * * * *")}}
	d := &recordingDispatcher{}
	s := newTestScheduler(t, st, d, &recordingResumer{})

	now := time.Now().UTC()
	s.fireScheduleTriggers(context.Background(), now)

	assert.Empty(t, d.events)
	next, ok := s.nextRun["wf-1"]
	require.True(t, ok)
	assert.True(t, next.After(now))
}

func TestSchedulerFiresWhenDue(t *testing.T) {
	st := &fakeStore{workflows: []*schema.Workflow{scheduleWorkflow("wf-1", "* * * * *")}}
	d := &recordingDispatcher{}
	s := newTestScheduler(t, st, d, &recordingResumer{})

	now := time.Now().UTC()
	s.fireScheduleTriggers(context.Background(), now)
	s.nextRun["wf-1"] = now.Add(-time.Second)

	s.fireScheduleTriggers(context.Background(), now)

	require.Len(t, d.events, 1)
	ev := d.events[0]
	assert.Equal(t, schema.TriggerSchedule, ev.Type)
	assert.Equal(t, "team-1", ev.TeamID)
	assert.Equal(t, "wf-1", ev.WorkflowID)
	assert.True(t, strings.HasPrefix(ev.EventID, "schedule:wf-1:"))
	assert.True(t, s.nextRun["wf-1"].After(now), "cadence should be re-armed")
}

func TestSchedulerFireIsIdempotentPerSlot(t *testing.T) {
	st := &fakeStore{workflows: []*schema.Workflow{scheduleWorkflow("wf-1", "* * * * *")}}
	d := &recordingDispatcher{}
	s := newTestScheduler(t, st, d, &recordingResumer{})

	now := time.Now().UTC()
	slot := now.Add(-time.Second)
	s.nextRun["wf-1"] = slot
	s.fireScheduleTriggers(context.Background(), now)
	s.nextRun["wf-1"] = slot
	s.fireScheduleTriggers(context.Background(), now)

	require.Len(t, d.events, 2)
	assert.Equal(t, d.events[0].EventID, d.events[1].EventID,
		"same slot must produce the same event id for dedupe downstream")
}

func TestSchedulerSkipsInvalidCron(t *testing.T) {
	st := &fakeStore{workflows: []*schema.Workflow{
		scheduleWorkflow("wf-bad", "not a cron"),
		scheduleWorkflow("wf-ok", "0 9 * * *"),
	}}
	d := &recordingDispatcher{}
	s := newTestScheduler(t, st, d, &recordingResumer{})

	s.fireScheduleTriggers(context.Background(), time.Now().UTC())

	assert.Empty(t, d.events)
	_, ok := s.nextRun["wf-bad"]
	assert.False(t, ok)
	_, ok = s.nextRun["wf-ok"]
	assert.True(t, ok)
}

func TestSchedulerMissingCronConfig(t *testing.T) {
	wf := scheduleWorkflow("wf-1", "")
	wf.Trigger.Config = nil
	st := &fakeStore{workflows: []*schema.Workflow{wf}}
	d := &recordingDispatcher{}
	s := newTestScheduler(t, st, d, &recordingResumer{})

	s.fireScheduleTriggers(context.Background(), time.Now().UTC())

	assert.Empty(t, d.events)
	assert.Empty(t, s.nextRun)
}

func TestSchedulerForgetsRemovedWorkflows(t *testing.T) {
	st := &fakeStore{workflows: []*schema.Workflow{scheduleWorkflow("wf-1", "* * * * *")}}
	s := newTestScheduler(t, st, &recordingDispatcher{}, &recordingResumer{})

	s.fireScheduleTriggers(context.Background(), time.Now().UTC())
	require.Contains(t, s.nextRun, "wf-1")

	st.mu.Lock()
	st.workflows = nil
	st.mu.Unlock()

	s.fireScheduleTriggers(context.Background(), time.Now().UTC())
	assert.Empty(t, s.nextRun)
}

func TestSchedulerResumesDueRuns(t *testing.T) {
	st := &fakeStore{dueRuns: []*schema.WorkflowRun{
		{ID: "run-1", Status: schema.RunPending},
		{ID: "run-2", Status: schema.RunPending},
	}}
	r := &recordingResumer{}
	s := newTestScheduler(t, st, &recordingDispatcher{}, r)

	s.resumeDueRuns(context.Background(), time.Now().UTC())
	s.pool.Wait()

	assert.ElementsMatch(t, []string{"run-1", "run-2"}, r.runs)
	assert.Empty(t, s.inflight, "inflight slots must be released")
}

func TestSchedulerResumeErrorReleasesRun(t *testing.T) {
	st := &fakeStore{dueRuns: []*schema.WorkflowRun{{ID: "run-1", Status: schema.RunPending}}}
	r := &recordingResumer{err: errors.New("store offline")}
	s := newTestScheduler(t, st, &recordingDispatcher{}, r)

	s.resumeDueRuns(context.Background(), time.Now().UTC())
	s.pool.Wait()
	s.resumeDueRuns(context.Background(), time.Now().UTC())
	s.pool.Wait()

	assert.Len(t, r.runs, 2, "failed resume must not leave the run stuck inflight")
}

// slowResumer blocks inside Resume until released so tests can observe
// a resume still in flight.
type slowResumer struct {
	started chan struct{}
	release chan struct{}
}

func (r *slowResumer) Resume(_ context.Context, run *schema.WorkflowRun) (*schema.WorkflowRun, error) {
	close(r.started)
	<-r.release
	return run, nil
}

func TestSchedulerResumeDoesNotBlockTick(t *testing.T) {
	st := &fakeStore{dueRuns: []*schema.WorkflowRun{{ID: "run-1", Status: schema.RunPending}}}
	r := &slowResumer{started: make(chan struct{}), release: make(chan struct{})}
	s := newTestScheduler(t, st, &recordingDispatcher{}, r)

	s.resumeDueRuns(context.Background(), time.Now().UTC())

	select {
	case <-r.started:
	case <-time.After(2 * time.Second):
		t.Fatal("resume never started")
	}
	assert.False(t, s.tryAcquire("run-1"), "run stays inflight while its resume is running")

	close(r.release)
	s.pool.Wait()
	assert.True(t, s.tryAcquire("run-1"), "slot is released once the resume completes")
}

func TestSchedulerStartStop(t *testing.T) {
	st := &fakeStore{}
	s := newTestScheduler(t, st, &recordingDispatcher{}, &recordingResumer{})

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start must be rejected")
	s.Stop()
}
