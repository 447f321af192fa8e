package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ghostworker/flow/internal/logging"
	"github.com/ghostworker/flow/internal/nodes"
	"github.com/ghostworker/flow/internal/store"
	"github.com/ghostworker/flow/pkg/schema"
)

// DefaultStepLimit bounds how many nodes one run may visit. Graphs with
// cycles hit this instead of spinning forever.
const DefaultStepLimit = 1000

// Runner walks a workflow's node graph for one run: strictly sequential
// node execution, condition branch selection, delay parking, cancellation
// checks, and exactly-once finalization through the Recorder.
type Runner struct {
	store     store.Store
	recorder  *Recorder
	executor  *nodes.Executor
	logger    *slog.Logger
	stepLimit int
}

func NewRunner(st store.Store, executor *nodes.Executor, logger *slog.Logger, stepLimit int) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if stepLimit <= 0 {
		stepLimit = DefaultStepLimit
	}
	return &Runner{
		store:     st,
		recorder:  NewRecorder(st, logger),
		executor:  executor,
		logger:    logger,
		stepLimit: stepLimit,
	}
}

// walkState is the snapshot persisted when a run parks on a delay node.
type walkState struct {
	Frontier []string       `json:"frontier"`
	Vars     map[string]any `json:"vars"`
	Steps    int            `json:"steps"`
}

// Execute runs a workflow against a trigger event from scratch. The returned
// run reflects the outcome; a non-nil error means infrastructure failed
// before an outcome could be recorded (callers may retry those).
func (r *Runner) Execute(ctx context.Context, wf *schema.Workflow, event *schema.TriggerEvent) (*schema.WorkflowRun, error) {
	run, err := r.recorder.Create(ctx, wf.ID, event)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, wf.ID, run.ID, "")

	// Run statistics bump exactly once, at dispatch, never again on resume.
	if err := r.store.RecordWorkflowRun(ctx, wf.ID, time.Now().UTC()); err != nil {
		r.logger.WarnContext(ctx, "record workflow run stats failed", "error", err)
	}

	graph, err := BuildGraph(wf)
	if err != nil {
		if ferr := r.recorder.Finalize(ctx, run, schema.RunFailed, err.Error()); ferr != nil {
			return run, ferr
		}
		return run, nil
	}

	if graph.Entry == "" {
		// A workflow without nodes completes with an empty log.
		if err := r.recorder.Start(ctx, run); err != nil {
			return run, err
		}
		if err := r.recorder.Finalize(ctx, run, schema.RunCompleted, ""); err != nil {
			return run, err
		}
		return run, nil
	}

	ec := nodes.NewContext(decodePayload(run.TriggerData))
	state := &walkState{Frontier: []string{graph.Entry}}

	if err := r.recorder.Start(ctx, run); err != nil {
		return run, err
	}
	return r.walk(ctx, graph, run, ec, state)
}

// Resume continues a run parked on a delay node. The scheduler calls this
// once resume_at is due.
func (r *Runner) Resume(ctx context.Context, run *schema.WorkflowRun) (*schema.WorkflowRun, error) {
	ctx = logging.WithIDs(ctx, run.WorkflowID, run.ID, "")

	wf, err := r.store.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		if ferr := r.recorder.Finalize(ctx, run, schema.RunFailed, "workflow no longer available: "+err.Error()); ferr != nil {
			return run, ferr
		}
		return run, nil
	}

	graph, err := BuildGraph(wf)
	if err != nil {
		if ferr := r.recorder.Finalize(ctx, run, schema.RunFailed, err.Error()); ferr != nil {
			return run, ferr
		}
		return run, nil
	}

	state := &walkState{}
	if len(run.ResumeState) > 0 {
		if err := json.Unmarshal(run.ResumeState, state); err != nil {
			if ferr := r.recorder.Finalize(ctx, run, schema.RunFailed, "corrupt resume state: "+err.Error()); ferr != nil {
				return run, ferr
			}
			return run, nil
		}
	}
	if len(state.Frontier) == 0 {
		// Nothing left to visit; the delay was the last node.
		if err := r.recorder.Start(ctx, run); err != nil {
			return run, err
		}
		if err := r.recorder.Finalize(ctx, run, schema.RunCompleted, ""); err != nil {
			return run, err
		}
		return run, nil
	}

	ec := nodes.NewContext(decodePayload(run.TriggerData))
	if state.Vars != nil {
		ec.Vars = state.Vars
	}

	if err := r.recorder.Start(ctx, run); err != nil {
		return run, err
	}
	return r.walk(ctx, graph, run, ec, state)
}

// Cancel marks a pending or running run cancelled. The walker observes the
// new status before its next node and stops.
func (r *Runner) Cancel(ctx context.Context, runID, reason string) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is already %s", runID, run.Status)
	}
	if err := ValidateTransition(runID, run.Status, schema.RunCancelled); err != nil {
		return err
	}

	now := time.Now().UTC()
	cancelled := schema.RunCancelled
	msg := reason
	if msg == "" {
		msg = "cancelled"
	}
	update := store.RunUpdate{
		Status:       &cancelled,
		ErrorMessage: &msg,
		CompletedAt:  &now,
		ClearResume:  true,
	}
	if err := r.store.UpdateRun(ctx, runID, update); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "cancel run: %s", err.Error()).WithCause(err)
	}
	r.logger.InfoContext(logging.WithIDs(ctx, run.WorkflowID, runID, ""), "run cancelled", "reason", msg)
	return nil
}

func (r *Runner) walk(ctx context.Context, graph *Graph, run *schema.WorkflowRun, ec *nodes.Context, state *walkState) (*schema.WorkflowRun, error) {
	for len(state.Frontier) > 0 {
		select {
		case <-ctx.Done():
			if err := r.recorder.Finalize(ctx, run, schema.RunCancelled, "execution interrupted"); err != nil {
				return run, err
			}
			return run, nil
		default:
		}

		if cancelled, err := r.runCancelled(ctx, run.ID); err != nil {
			return run, err
		} else if cancelled {
			r.logger.InfoContext(ctx, "run cancelled, stopping walk")
			run.Status = schema.RunCancelled
			return run, nil
		}

		state.Steps++
		if state.Steps > r.stepLimit {
			limitErr := schema.NewErrorf(schema.ErrCodeStepLimit,
				"step limit exceeded after %d nodes, graph likely has a cycle", r.stepLimit)
			if err := r.recorder.Finalize(ctx, run, schema.RunFailed, limitErr.Error()); err != nil {
				return run, err
			}
			return run, nil
		}

		nodeID := state.Frontier[0]
		state.Frontier = state.Frontier[1:]
		node, ok := graph.Nodes[nodeID]
		if !ok {
			continue
		}

		nodeCtx := logging.WithNodeID(ctx, nodeID)
		startedAt := time.Now().UTC()
		res, execErr := r.executor.Execute(nodeCtx, *node, ec)
		completedAt := time.Now().UTC()

		if execErr != nil {
			entry := &schema.LogEntry{
				NodeID:      nodeID,
				NodeType:    node.Type,
				Status:      schema.NodeFailed,
				Error:       execErr.Error(),
				StartedAt:   startedAt,
				CompletedAt: completedAt,
			}
			if err := r.recorder.RecordNode(nodeCtx, run.ID, entry); err != nil {
				return run, err
			}

			status := schema.RunFailed
			var flowErr *schema.FlowError
			if errors.As(execErr, &flowErr) && flowErr.Code == schema.ErrCodeCancelled {
				status = schema.RunCancelled
			}
			if err := r.recorder.Finalize(ctx, run, status, execErr.Error()); err != nil {
				return run, err
			}
			return run, nil
		}

		entry := &schema.LogEntry{
			NodeID:      nodeID,
			NodeType:    node.Type,
			Status:      schema.NodeCompleted,
			Error:       res.Error,
			StartedAt:   startedAt,
			CompletedAt: completedAt,
		}
		if res.Error != "" {
			entry.Status = schema.NodeFailed
		}
		entry.Result = encodeResult(res)
		if err := r.recorder.RecordNode(nodeCtx, run.ID, entry); err != nil {
			return run, err
		}

		for k, v := range res.Vars {
			ec.Vars[k] = v
		}

		if res.Delay > 0 {
			state.Frontier = append(graph.Successors(nodeID, res.Matched), state.Frontier...)
			state.Vars = ec.Vars
			snapshot, err := json.Marshal(state)
			if err != nil {
				if ferr := r.recorder.Finalize(ctx, run, schema.RunFailed, "snapshot resume state: "+err.Error()); ferr != nil {
					return run, ferr
				}
				return run, nil
			}
			resumeAt := time.Now().UTC().Add(res.Delay)
			if err := r.recorder.Park(ctx, run, resumeAt, snapshot); err != nil {
				return run, err
			}
			r.logger.InfoContext(nodeCtx, "run parked on delay", "resume_at", resumeAt)
			return run, nil
		}

		// continue=false prunes this node's successors only; sibling
		// branches already in the frontier still run.
		if res.Continue {
			state.Frontier = append(state.Frontier, graph.Successors(nodeID, res.Matched)...)
		}
	}

	if err := r.recorder.Finalize(ctx, run, schema.RunCompleted, ""); err != nil {
		return run, err
	}
	return run, nil
}

func (r *Runner) runCancelled(ctx context.Context, runID string) (bool, error) {
	cur, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeStore, "check run status: %s", err.Error()).WithCause(err)
	}
	return cur.Status == schema.RunCancelled, nil
}

func decodePayload(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	return payload
}

// encodeResult renders a node result for the run log: the handler's output
// plus any warning. Nil when there is nothing to record.
func encodeResult(res *nodes.Result) json.RawMessage {
	out := res.Output
	if res.Warning != "" {
		if out == nil {
			out = map[string]any{}
		}
		out["warning"] = res.Warning
	}
	if len(out) == 0 {
		return nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return raw
}
