package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ghostworker/flow/internal/engine"
	"github.com/ghostworker/flow/internal/store"
	"github.com/ghostworker/flow/pkg/schema"
)

// EventDispatcher is the interface the scheduler fires schedule triggers
// through. Satisfied by trigger.Dispatcher (avoids import cycle).
type EventDispatcher interface {
	Dispatch(ctx context.Context, event *schema.TriggerEvent) (int, error)
}

// RunResumer resumes runs parked on delay nodes. Satisfied by engine.Runner.
type RunResumer interface {
	Resume(ctx context.Context, run *schema.WorkflowRun) (*schema.WorkflowRun, error)
}

// Scheduler drives the two time-based paths of the engine: cron-based
// schedule triggers and resumption of runs parked on delay nodes. One
// polling loop serves both.
type Scheduler struct {
	store      store.Store
	dispatcher EventDispatcher
	resumer    RunResumer
	pool       *engine.WorkerPool
	parser     cron.Parser
	logger     *slog.Logger
	interval   time.Duration
	cancel     context.CancelFunc
	done       chan struct{}
	mu         sync.Mutex

	// next fire time per schedule-triggered workflow
	nextMu  sync.Mutex
	nextRun map[string]time.Time

	inflightMu sync.Mutex
	inflight   map[string]struct{} // run IDs currently resuming (dedup)
}

// NewScheduler creates a Scheduler polling at the given interval
// (default 60s). Resumed runs execute on the pool, not the poll loop.
func NewScheduler(st store.Store, dispatcher EventDispatcher, resumer RunResumer, pool *engine.WorkerPool, logger *slog.Logger, interval time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Scheduler{
		store:      st,
		dispatcher: dispatcher,
		resumer:    resumer,
		pool:       pool,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:     logger,
		interval:   interval,
		nextRun:    make(map[string]time.Time),
		inflight:   make(map[string]struct{}),
	}
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "interval", s.interval)
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	s.fireScheduleTriggers(ctx, now)
	s.resumeDueRuns(ctx, now)
}

// fireScheduleTriggers dispatches a synthetic event for every
// schedule-triggered workflow whose cron cadence is due. A workflow seen for
// the first time only gets its next fire time computed; it does not fire
// immediately.
func (s *Scheduler) fireScheduleTriggers(ctx context.Context, now time.Time) {
	workflows, err := s.store.ListActiveWorkflows(ctx, store.WorkflowFilter{TriggerType: schema.TriggerSchedule})
	if err != nil {
		s.logger.ErrorContext(ctx, "list scheduled workflows failed", "error", err)
		return
	}

	s.nextMu.Lock()
	defer s.nextMu.Unlock()

	seen := make(map[string]struct{}, len(workflows))
	for _, wf := range workflows {
		seen[wf.ID] = struct{}{}

		expr, err := wf.Trigger.ScheduleCron()
		if err != nil {
			s.logger.WarnContext(ctx, "workflow has invalid schedule config",
				"workflow_id", wf.ID, "error", err)
			continue
		}
		sched, err := s.parser.Parse(expr)
		if err != nil {
			s.logger.WarnContext(ctx, "workflow has invalid cron expression",
				"workflow_id", wf.ID, "cron", expr, "error", err)
			continue
		}

		next, known := s.nextRun[wf.ID]
		if !known {
			s.nextRun[wf.ID] = sched.Next(now)
			continue
		}
		if now.Before(next) {
			continue
		}

		event := &schema.TriggerEvent{
			EventID:    fmt.Sprintf("schedule:%s:%d", wf.ID, next.Unix()),
			Type:       schema.TriggerSchedule,
			TeamID:     wf.TeamID,
			WorkflowID: wf.ID,
			Payload:    []byte(fmt.Sprintf(`{"scheduled_at":%q}`, next.UTC().Format(time.RFC3339))),
		}
		if _, err := s.dispatcher.Dispatch(ctx, event); err != nil {
			s.logger.ErrorContext(ctx, "dispatch schedule trigger failed",
				"workflow_id", wf.ID, "error", err)
			continue
		}
		s.nextRun[wf.ID] = sched.Next(now)
	}

	// Forget workflows that were deactivated or deleted.
	for id := range s.nextRun {
		if _, ok := seen[id]; !ok {
			delete(s.nextRun, id)
		}
	}
}

// resumeDueRuns hands parked runs whose resume_at has passed to the worker
// pool. The tick never waits on a resumed walk; the inflight map keeps a run
// from being resumed twice while its walk is still going.
func (s *Scheduler) resumeDueRuns(ctx context.Context, now time.Time) {
	due, err := s.store.ListDueRuns(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "list due runs failed", "error", err)
		return
	}

	for _, run := range due {
		if !s.tryAcquire(run.ID) {
			continue
		}
		err := s.pool.Submit(ctx, func(ctx context.Context) error {
			defer s.release(run.ID)
			if _, err := s.resumer.Resume(ctx, run); err != nil {
				s.logger.ErrorContext(ctx, "resume run failed",
					"run_id", run.ID, "error", err)
				return err
			}
			return nil
		})
		if err != nil {
			s.release(run.ID)
			s.logger.ErrorContext(ctx, "submit resume failed",
				"run_id", run.ID, "error", err)
		}
	}
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
