package trigger

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ghostworker/flow/internal/expressions"
	"github.com/ghostworker/flow/internal/store"
	"github.com/ghostworker/flow/pkg/schema"
)

// Matcher finds the workflows a business event should start: active
// workflows of the event's team and trigger type whose trigger conditions
// all pass against the payload.
type Matcher struct {
	store  store.Store
	eval   *expressions.Evaluator
	logger *slog.Logger
}

func NewMatcher(st store.Store, eval *expressions.Evaluator, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{store: st, eval: eval, logger: logger}
}

// Match returns the workflows that should run for the event.
func (m *Matcher) Match(ctx context.Context, event *schema.TriggerEvent) ([]*schema.Workflow, error) {
	if event == nil || event.Type == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "trigger event has no type")
	}

	candidates, err := m.store.ListActiveWorkflows(ctx, store.WorkflowFilter{
		TeamID:      event.TeamID,
		TriggerType: event.Type,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list workflows: %s", err.Error()).WithCause(err)
	}

	doc := decodeEventPayload(event.Payload)

	var matched []*schema.Workflow
	for _, wf := range candidates {
		if event.WorkflowID != "" && wf.ID != event.WorkflowID {
			continue
		}
		if m.eval.EvalAll(ctx, wf.Trigger.Conditions, doc) {
			matched = append(matched, wf)
		}
	}

	m.logger.DebugContext(ctx, "trigger matched",
		"event_type", string(event.Type),
		"team_id", event.TeamID,
		"candidates", len(candidates),
		"matched", len(matched))
	return matched, nil
}

// decodeEventPayload builds the condition document for trigger matching:
// payload fields at the top level plus an explicit "payload" key for
// dotted-path access.
func decodeEventPayload(raw json.RawMessage) map[string]any {
	payload := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &payload)
	}
	doc := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		doc[k] = v
	}
	doc["payload"] = payload
	return doc
}
