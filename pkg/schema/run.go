package schema

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a workflow run. A pending run is either
// newly scheduled or parked on a delay node (ResumeAt set).
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// NodeStatus is the outcome of one node execution within a run.
type NodeStatus string

const (
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
)

// WorkflowRun is one execution instance of a workflow against a triggering
// event. Immutable once CompletedAt is set.
type WorkflowRun struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflow_id"`
	Status       RunStatus       `json:"status"`
	TriggerData  json.RawMessage `json:"trigger_data,omitempty"`
	EventID      string          `json:"event_id,omitempty"`
	ExecutionLog []LogEntry      `json:"execution_log"`
	ErrorMessage string          `json:"error_message,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`

	// Suspension state for parked delay nodes.
	ResumeAt    *time.Time      `json:"resume_at,omitempty"`
	ResumeState json.RawMessage `json:"resume_state,omitempty"`
}

// LogEntry is one per-node record in a run's execution log, ordered by
// traversal order.
type LogEntry struct {
	Seq         int64           `json:"seq"`
	NodeID      string          `json:"node_id"`
	NodeType    NodeType        `json:"node_type"`
	Status      NodeStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// TriggerEvent is an inbound business event handed to the Trigger Matcher.
// EventID deduplicates dispatch: at most one non-failed run per workflow and
// event.
type TriggerEvent struct {
	EventID string          `json:"event_id"`
	Type    TriggerType     `json:"type"`
	TeamID  string          `json:"team_id"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// WorkflowID pins the event to a single workflow. Schedule ticks use
	// this so one workflow's cadence never fires its neighbours.
	WorkflowID string `json:"workflow_id,omitempty"`
}
