package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/itchyny/gojq"
	"github.com/robfig/cron/v3"

	"github.com/ghostworker/flow/pkg/schema"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// validateSemantic checks what the JSON Schema cannot express: node config
// contents, trigger cron parseability, operator sets inside condition
// configs, and branch labelling.
func validateSemantic(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	validateTriggerSemantic(&wf.Trigger, result)

	nodeTypes := make(map[string]schema.NodeType, len(wf.Nodes))
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		nodeTypes[node.ID] = node.Type
		validateNodeConfig(node, fmt.Sprintf("nodes[%d]", i), result)
	}

	for i, conn := range wf.Connections {
		if conn.SourceHandle == "" {
			continue
		}
		if nodeTypes[conn.SourceID] != schema.NodeCondition {
			result.AddWarning(fmt.Sprintf("connections[%d].source_handle", i),
				schema.ErrCodeValidation,
				fmt.Sprintf("branch label %q on edge from non-condition node %q is never followed",
					conn.SourceHandle, conn.SourceID))
		}
	}

	return result
}

func validateTriggerSemantic(t *schema.Trigger, result *schema.ValidationResult) {
	for i, cond := range t.Conditions {
		validateCondition(cond, fmt.Sprintf("trigger.conditions[%d]", i), result)
	}

	if t.Type != schema.TriggerSchedule {
		return
	}
	expr, err := t.ScheduleCron()
	if err != nil {
		result.AddError("trigger.config.cron", schema.ErrCodeValidation, err.Error())
		return
	}
	if _, err := cronParser.Parse(expr); err != nil {
		result.AddError("trigger.config.cron", schema.ErrCodeValidation,
			fmt.Sprintf("invalid cron expression %q: %s", expr, err.Error()))
	}
}

var knownOperators = map[schema.ConditionOp]bool{
	schema.OpEquals:      true,
	schema.OpNotEquals:   true,
	schema.OpContains:    true,
	schema.OpGreaterThan: true,
	schema.OpLessThan:    true,
	schema.OpExpression:  true,
}

func validateCondition(cond schema.Condition, path string, result *schema.ValidationResult) {
	if cond.Field == "" {
		result.AddError(path+".field", schema.ErrCodeValidation, "condition field is required")
	}
	if !knownOperators[cond.Operator] {
		result.AddError(path+".operator", schema.ErrCodeValidation,
			fmt.Sprintf("unknown operator %q", cond.Operator))
	}
	if cond.Operator == schema.OpExpression {
		switch cond.Engine {
		case "", "cel", "expr":
		default:
			result.AddError(path+".engine", schema.ErrCodeValidation,
				fmt.Sprintf("unknown expression engine %q", cond.Engine))
		}
		if s, ok := cond.Value.(string); !ok || s == "" {
			result.AddError(path+".value", schema.ErrCodeValidation,
				"expression operator requires a non-empty string value")
		}
	}
}

func validateNodeConfig(node *schema.Node, path string, result *schema.ValidationResult) {
	switch node.Type {
	case schema.NodeCondition:
		var cfg schema.ConditionConfig
		if !decodeConfig(node, path, &cfg, result) {
			return
		}
		if len(cfg.Conditions) == 0 {
			result.AddWarning(path+".config.conditions", schema.ErrCodeValidation,
				"condition node has no conditions; the empty list matches, so it always takes the true branch")
		}
		for i, cond := range cfg.Conditions {
			validateCondition(cond, fmt.Sprintf("%s.config.conditions[%d]", path, i), result)
		}

	case schema.NodeDelay:
		var cfg schema.DelayConfig
		if !decodeConfig(node, path, &cfg, result) {
			return
		}
		if cfg.DelaySeconds < 0 {
			result.AddError(path+".config.delay_seconds", schema.ErrCodeValidation,
				"delay cannot be negative")
		}
		switch cfg.DelayType {
		case "", "seconds", "minutes", "hours", "days":
		default:
			result.AddError(path+".config.delay_type", schema.ErrCodeValidation,
				fmt.Sprintf("unknown delay type %q", cfg.DelayType))
		}
		if d := cfg.Duration(); d > 30*24*time.Hour {
			result.AddWarning(path+".config", schema.ErrCodeValidation,
				fmt.Sprintf("delay of %s parks the run for over 30 days", d))
		}

	case schema.NodeSendMessage:
		var cfg schema.SendMessageConfig
		if !decodeConfig(node, path, &cfg, result) {
			return
		}
		if cfg.Message == "" {
			result.AddError(path+".config.message", schema.ErrCodeValidation,
				"send_message node requires a message")
		}

	case schema.NodeUpdateTag:
		var cfg schema.UpdateTagConfig
		if !decodeConfig(node, path, &cfg, result) {
			return
		}
		if cfg.TagID == "" {
			result.AddError(path+".config.tag_id", schema.ErrCodeValidation,
				"update_tag node requires a tag_id")
		}
		switch cfg.Action {
		case "", "add", "remove":
		default:
			result.AddError(path+".config.action", schema.ErrCodeValidation,
				fmt.Sprintf("unknown tag action %q", cfg.Action))
		}
		switch cfg.Target {
		case "", "conversation", "customer":
		default:
			result.AddError(path+".config.target", schema.ErrCodeValidation,
				fmt.Sprintf("unknown tag target %q", cfg.Target))
		}

	case schema.NodeAIResponse:
		var cfg schema.AIResponseConfig
		if !decodeConfig(node, path, &cfg, result) {
			return
		}
		if cfg.Prompt == "" {
			result.AddError(path+".config.prompt", schema.ErrCodeValidation,
				"ai_response node requires a prompt")
		}

	case schema.NodeWebhook:
		var cfg schema.WebhookConfig
		if !decodeConfig(node, path, &cfg, result) {
			return
		}
		if cfg.URL == "" {
			result.AddError(path+".config.url", schema.ErrCodeValidation,
				"webhook node requires a url")
		} else if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
			result.AddError(path+".config.url", schema.ErrCodeValidation,
				fmt.Sprintf("webhook url %q must be http or https", cfg.URL))
		}
		switch strings.ToUpper(cfg.Method) {
		case "", "GET", "POST":
		default:
			result.AddError(path+".config.method", schema.ErrCodeValidation,
				fmt.Sprintf("unsupported webhook method %q", cfg.Method))
		}
		if cfg.ResponseFilter != "" {
			if _, err := gojq.Parse(cfg.ResponseFilter); err != nil {
				result.AddError(path+".config.response_filter", schema.ErrCodeValidation,
					fmt.Sprintf("invalid jq filter: %s", err.Error()))
			}
		}

	case schema.NodeAction:
		var cfg schema.ActionConfig
		if !decodeConfig(node, path, &cfg, result) {
			return
		}
		switch cfg.ActionType {
		case "update_customer", "assign_conversation":
		case "":
			result.AddError(path+".config.action_type", schema.ErrCodeValidation,
				"action node requires an action_type")
		default:
			result.AddWarning(path+".config.action_type", schema.ErrCodeValidation,
				fmt.Sprintf("unknown action type %q executes as a no-op", cfg.ActionType))
		}
	}
}

// decodeConfig unmarshals the node config block, recording an error on
// malformed JSON. Empty config decodes to the zero value.
func decodeConfig(node *schema.Node, path string, out any, result *schema.ValidationResult) bool {
	if len(node.Config) == 0 {
		return true
	}
	if err := json.Unmarshal(node.Config, out); err != nil {
		result.AddError(path+".config", schema.ErrCodeValidation,
			fmt.Sprintf("malformed config: %s", err.Error()))
		return false
	}
	return true
}
