package schema

import (
	"encoding/json"
	"time"
)

// Workflow is the stored automation definition: a trigger plus a node graph.
// CRUD on workflows happens outside the engine; the engine only reads the
// graph and bumps run statistics.
type Workflow struct {
	ID          string       `json:"id"`
	TeamID      string       `json:"team_id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Trigger     Trigger      `json:"trigger"`
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
	IsActive    bool         `json:"is_active"`
	RunCount    int64        `json:"run_count"`
	LastRun     *time.Time   `json:"last_run,omitempty"`
}

// Trigger describes when a workflow fires: an event type plus optional
// match conditions evaluated against the event payload.
type Trigger struct {
	Type       TriggerType     `json:"type"`
	Conditions []Condition     `json:"conditions,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"` // type-specific (e.g. cron for schedule)
}

// TriggerType enumerates the business events that can start a workflow.
type TriggerType string

const (
	TriggerMessageReceived TriggerType = "message_received"
	TriggerOrderCreated    TriggerType = "order_created"
	TriggerTagAdded        TriggerType = "tag_added"
	TriggerSchedule        TriggerType = "schedule"
	TriggerWebhook         TriggerType = "webhook"
	TriggerManual          TriggerType = "manual"
)

// ScheduleCron decodes the trigger config as a ScheduleConfig and returns
// its cron expression.
func (t Trigger) ScheduleCron() (string, error) {
	var cfg ScheduleConfig
	if len(t.Config) > 0 {
		if err := json.Unmarshal(t.Config, &cfg); err != nil {
			return "", err
		}
	}
	if cfg.Cron == "" {
		return "", NewError(ErrCodeValidation, "schedule trigger has no cron expression")
	}
	return cfg.Cron, nil
}

// ScheduleConfig is the trigger config block for schedule-type triggers.
type ScheduleConfig struct {
	Cron string `json:"cron"`
}

// Node is one step in a workflow graph. Config is type-specific.
type Node struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// NodeType enumerates the kinds of nodes in a workflow. The set is closed:
// unrecognized types execute as a warning no-op.
type NodeType string

const (
	NodeStart       NodeType = "start"
	NodeEnd         NodeType = "end"
	NodeCondition   NodeType = "condition"
	NodeAction      NodeType = "action"
	NodeDelay       NodeType = "delay"
	NodeSendMessage NodeType = "send_message"
	NodeUpdateTag   NodeType = "update_tag"
	NodeAIResponse  NodeType = "ai_response"
	NodeCreateOrder NodeType = "create_order"
	NodeWebhook     NodeType = "webhook"
)

// Connection is a directed edge between two nodes. SourceHandle labels the
// branch ("true"/"false") for edges leaving a condition node; for all other
// node types it is empty.
type Connection struct {
	SourceID     string `json:"source_id"`
	TargetID     string `json:"target_id"`
	SourceHandle string `json:"source_handle,omitempty"`
}

// Condition is a single match rule: a dotted field path, an operator, and a
// comparison value. Conditions within one list AND together.
type Condition struct {
	Field    string      `json:"field"`
	Operator ConditionOp `json:"operator"`
	Value    any         `json:"value"`
	Engine   string      `json:"engine,omitempty"` // expression operator only: cel (default) or expr
}

// ConditionOp enumerates the supported condition operators.
type ConditionOp string

const (
	OpEquals      ConditionOp = "equals"
	OpNotEquals   ConditionOp = "not_equals"
	OpContains    ConditionOp = "contains"
	OpGreaterThan ConditionOp = "greater_than"
	OpLessThan    ConditionOp = "less_than"
	OpExpression  ConditionOp = "expression"
)

// --- Node config blocks ---

// ConditionConfig is the config block for condition nodes.
type ConditionConfig struct {
	Conditions []Condition `json:"conditions"`
}

// ActionConfig is the config block for generic action nodes.
type ActionConfig struct {
	ActionType string         `json:"action_type"`
	UserID     string         `json:"user_id,omitempty"` // assign_conversation
	Updates    map[string]any `json:"updates,omitempty"` // update_customer
}

// DelayConfig is the config block for delay nodes. DelaySeconds is scaled by
// DelayType (seconds, minutes, hours, days; default seconds).
type DelayConfig struct {
	DelaySeconds int64  `json:"delay_seconds"`
	DelayType    string `json:"delay_type,omitempty"`
}

// Duration converts the configured delay into a time.Duration. Unknown
// delay types fall back to seconds.
func (c DelayConfig) Duration() time.Duration {
	unit := time.Second
	switch c.DelayType {
	case "minutes":
		unit = time.Minute
	case "hours":
		unit = time.Hour
	case "days":
		unit = 24 * time.Hour
	}
	return time.Duration(c.DelaySeconds) * unit
}

// SendMessageConfig is the config block for send_message nodes. Message may
// contain {{name}} placeholders resolved against run variables and the
// trigger payload.
type SendMessageConfig struct {
	Message string `json:"message"`
}

// UpdateTagConfig is the config block for update_tag nodes.
type UpdateTagConfig struct {
	Action string `json:"action,omitempty"` // add (default) or remove
	TagID  string `json:"tag_id"`
	Target string `json:"target,omitempty"` // conversation (default) or customer
}

// AIResponseConfig is the config block for ai_response nodes.
type AIResponseConfig struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

// WebhookConfig is the config block for webhook nodes. ResponseFilter is an
// optional jq expression applied to the response body; its result is stored
// into run variables under the node id.
type WebhookConfig struct {
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"` // POST (default) or GET
	Headers        map[string]string `json:"headers,omitempty"`
	ResponseFilter string            `json:"response_filter,omitempty"`
}
