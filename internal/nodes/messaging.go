package nodes

import (
	"context"
	"encoding/json"

	"github.com/ghostworker/flow/internal/collab"
	"github.com/ghostworker/flow/pkg/schema"
)

// conversationHistoryLimit bounds how much chat history ai_response feeds the
// model.
const conversationHistoryLimit = 10

func (e *Executor) execSendMessage(ctx context.Context, node schema.Node, ec *Context) *Result {
	var cfg schema.SendMessageConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return nodeErr("invalid send_message config: " + err.Error())
	}
	if cfg.Message == "" {
		return nodeErr("no message configured")
	}

	conversationID := triggerString(ec, "conversation_id")
	if conversationID == "" {
		return nodeErr("no conversation in trigger data")
	}

	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	platform := triggerString(ec, "platform")
	if platform == "" {
		p, err := e.crm.ConversationPlatform(callCtx, conversationID)
		if err != nil {
			return nodeErr("resolve conversation platform: " + err.Error())
		}
		platform = p
	}

	content := e.interpolate(cfg.Message, ec)
	messageID, err := e.messenger.Send(callCtx, conversationID, platform, content)
	if err != nil {
		return nodeErr("send message: " + err.Error())
	}

	return &Result{
		Continue: true,
		Output:   map[string]any{"message_id": messageID},
	}
}

// execAIResponse is the one handler whose collaborator failure aborts the
// run: the generated reply is the node's primary side effect.
func (e *Executor) execAIResponse(ctx context.Context, node schema.Node, ec *Context) (*Result, error) {
	var cfg schema.AIResponseConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeFailed, "invalid ai_response config: %s", err.Error()).WithNode(node.ID)
	}
	if cfg.Prompt == "" {
		return nil, schema.NewError(schema.ErrCodeNodeFailed, "no prompt configured").WithNode(node.ID)
	}

	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	var history []collab.ChatMessage
	if conversationID := triggerString(ec, "conversation_id"); conversationID != "" {
		msgs, err := e.crm.RecentMessages(callCtx, conversationID, conversationHistoryLimit)
		if err != nil {
			e.logger.WarnContext(ctx, "conversation history unavailable", "error", err)
		} else {
			history = msgs
		}
	}

	prompt := e.interpolate(cfg.Prompt, ec)
	response, err := e.ai.Complete(callCtx, prompt, history)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeFailed, "ai completion failed: %s", err.Error()).
			WithNode(node.ID).WithCause(err)
	}

	return &Result{
		Continue: true,
		Output:   map[string]any{"response_length": len(response)},
		Vars:     map[string]any{VarAIResponse: response},
	}, nil
}
