package trigger

import (
	"context"
	"log/slog"

	"github.com/ghostworker/flow/internal/engine"
	"github.com/ghostworker/flow/internal/logging"
	"github.com/ghostworker/flow/internal/store"
	"github.com/ghostworker/flow/pkg/schema"
)

// Dispatcher turns matched workflows into background runs. Dispatch is
// fire-and-forget: each run goes to the worker pool and the caller returns
// immediately. Events carrying an EventID are deduplicated against existing
// non-failed runs, and infrastructure failures are retried with backoff.
type Dispatcher struct {
	store   store.Store
	matcher *Matcher
	runner  *engine.Runner
	pool    *engine.WorkerPool
	retry   engine.RetryPolicy
	logger  *slog.Logger
}

func NewDispatcher(st store.Store, matcher *Matcher, runner *engine.Runner, pool *engine.WorkerPool, retry engine.RetryPolicy, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if retry.MaxAttempts <= 0 {
		retry = engine.DefaultRetryPolicy()
	}
	return &Dispatcher{
		store:   st,
		matcher: matcher,
		runner:  runner,
		pool:    pool,
		retry:   retry,
		logger:  logger,
	}
}

// Dispatch matches the event and schedules one run per matched workflow.
// It returns how many runs were scheduled.
func (d *Dispatcher) Dispatch(ctx context.Context, event *schema.TriggerEvent) (int, error) {
	matched, err := d.matcher.Match(ctx, event)
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for _, wf := range matched {
		if d.alreadyRan(ctx, wf.ID, event.EventID) {
			d.logger.InfoContext(ctx, "skipping duplicate event",
				"workflow_id", wf.ID, "event_id", event.EventID)
			continue
		}

		wf := wf
		if err := d.pool.Submit(ctx, func(runCtx context.Context) error {
			return d.runWithRetry(runCtx, wf, event)
		}); err != nil {
			d.logger.ErrorContext(ctx, "submit run failed", "workflow_id", wf.ID, "error", err)
			continue
		}
		scheduled++
	}
	return scheduled, nil
}

// Shutdown stops accepting events and waits for in-flight runs.
func (d *Dispatcher) Shutdown() {
	d.pool.Shutdown()
}

// alreadyRan reports whether a non-failed run exists for this workflow and
// event. Failed runs do not count: the event may be redelivered to retry.
func (d *Dispatcher) alreadyRan(ctx context.Context, workflowID, eventID string) bool {
	if eventID == "" {
		return false
	}
	run, err := d.store.FindRunByEvent(ctx, workflowID, eventID)
	if err != nil {
		return false
	}
	return run.Status != schema.RunFailed
}

func (d *Dispatcher) runWithRetry(ctx context.Context, wf *schema.Workflow, event *schema.TriggerEvent) error {
	ctx = logging.WithWorkflowID(ctx, wf.ID)

	var lastErr error
	for attempt := 0; attempt < d.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			// A prior attempt may have recorded an outcome before failing.
			if d.alreadyRan(ctx, wf.ID, event.EventID) {
				return nil
			}
			if err := engine.WaitForBackoff(ctx, d.retry.ComputeBackoff(attempt-1)); err != nil {
				return err
			}
			d.logger.WarnContext(ctx, "retrying run", "attempt", attempt+1, "error", lastErr)
		}

		_, err := d.runner.Execute(ctx, wf, event)
		if err == nil {
			return nil
		}
		if !engine.IsRetryableError(err) {
			d.logger.ErrorContext(ctx, "run failed, not retryable", "error", err)
			return err
		}
		lastErr = err
	}

	d.logger.ErrorContext(ctx, "run retries exhausted", "attempts", d.retry.MaxAttempts, "error", lastErr)
	return schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"run failed after %d attempts: %s", d.retry.MaxAttempts, lastErr.Error()).WithCause(lastErr)
}
