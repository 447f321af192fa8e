package engine

import (
	"github.com/ghostworker/flow/pkg/schema"
)

// ValidRunTransitions defines the allowed lifecycle transitions for runs.
// running -> pending is the park transition for long delay nodes;
// pending -> failed covers configuration errors caught before the walk starts.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunPending:   {schema.RunRunning, schema.RunFailed, schema.RunCancelled},
	schema.RunRunning:   {schema.RunCompleted, schema.RunFailed, schema.RunCancelled, schema.RunPending},
	schema.RunCompleted: {},
	schema.RunFailed:    {},
	schema.RunCancelled: {},
}

// ValidateTransition checks a run state transition against the table.
func ValidateTransition(runID string, from, to schema.RunStatus) error {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"unknown run status: %s", from).WithDetails(map[string]any{"run_id": runID})
	}
	for _, a := range allowed {
		if a == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid run transition: %s -> %s", from, to).
		WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
}
