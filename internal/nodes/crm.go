package nodes

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ghostworker/flow/internal/collab"
	"github.com/ghostworker/flow/pkg/schema"
)

// Action sub-types dispatched by action nodes.
const (
	ActionUpdateCustomer     = "update_customer"
	ActionAssignConversation = "assign_conversation"
)

func (e *Executor) execAction(ctx context.Context, node schema.Node, ec *Context) *Result {
	var cfg schema.ActionConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return nodeErr("invalid action config: " + err.Error())
	}

	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	switch cfg.ActionType {
	case ActionUpdateCustomer:
		customerID := triggerString(ec, "customer_id")
		if customerID == "" {
			return nodeWarn("no customer in trigger data")
		}
		updates := make(map[string]any, len(cfg.Updates))
		for k, v := range cfg.Updates {
			if s, isStr := v.(string); isStr {
				updates[k] = e.interpolate(s, ec)
				continue
			}
			updates[k] = v
		}
		if err := e.crm.UpdateCustomer(callCtx, customerID, updates); err != nil {
			if errors.Is(err, collab.ErrNotFound) {
				return nodeWarn("customer not found: " + customerID)
			}
			return nodeErr("update customer: " + err.Error())
		}
		return &Result{Continue: true, Output: map[string]any{"action": cfg.ActionType}}

	case ActionAssignConversation:
		conversationID := triggerString(ec, "conversation_id")
		if conversationID == "" {
			return nodeWarn("no conversation in trigger data")
		}
		if cfg.UserID == "" {
			return nodeWarn("no user configured for assignment")
		}
		if err := e.crm.AssignConversation(callCtx, conversationID, cfg.UserID); err != nil {
			if errors.Is(err, collab.ErrNotFound) {
				return nodeWarn("conversation not found: " + conversationID)
			}
			return nodeErr("assign conversation: " + err.Error())
		}
		return &Result{Continue: true, Output: map[string]any{"action": cfg.ActionType, "user_id": cfg.UserID}}

	default:
		return nodeWarn("unknown action type: " + cfg.ActionType)
	}
}

func (e *Executor) execUpdateTag(ctx context.Context, node schema.Node, ec *Context) *Result {
	var cfg schema.UpdateTagConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return nodeErr("invalid update_tag config: " + err.Error())
	}
	if cfg.TagID == "" {
		return nodeErr("no tag configured")
	}

	target := cfg.Target
	if target == "" {
		target = "conversation"
	}
	targetID := triggerString(ec, target+"_id")
	if targetID == "" {
		return nodeErr("no " + target + " in trigger data")
	}

	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	var err error
	if cfg.Action == "remove" {
		err = e.crm.RemoveTag(callCtx, target, targetID, cfg.TagID)
	} else {
		err = e.crm.AddTag(callCtx, target, targetID, cfg.TagID)
	}
	if err != nil {
		if errors.Is(err, collab.ErrNotFound) {
			return nodeWarn("tag target not found: " + targetID)
		}
		return nodeErr("update tag: " + err.Error())
	}

	return &Result{Continue: true, Output: map[string]any{"tag_id": cfg.TagID, "target": target}}
}

func (e *Executor) execCreateOrder(ctx context.Context, node schema.Node, ec *Context) *Result {
	customerID := triggerString(ec, "customer_id")
	if customerID == "" {
		return nodeErr("no customer in trigger data")
	}

	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	orderID, err := e.crm.CreateOrder(callCtx, customerID, triggerString(ec, "conversation_id"))
	if err != nil {
		return nodeErr("create order: " + err.Error())
	}

	return &Result{
		Continue: true,
		Output:   map[string]any{"order_id": orderID},
		Vars:     map[string]any{"order_id": orderID},
	}
}
