package nodes

import (
	"context"
	"encoding/json"

	"github.com/ghostworker/flow/pkg/schema"
)

// execWebhook posts the run context to an external endpoint. Webhook nodes
// never abort the run: transport failures and open circuits land in the
// result's error field and traversal continues.
func (e *Executor) execWebhook(ctx context.Context, node schema.Node, ec *Context) *Result {
	var cfg schema.WebhookConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return nodeErr("invalid webhook config: " + err.Error())
	}

	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	payload := map[string]any{"trigger": ec.Trigger, "vars": ec.Vars}
	res, err := e.webhook.Call(callCtx, cfg, payload, ec.Trigger)
	if err != nil {
		return nodeErr(err.Error())
	}

	out := &Result{
		Continue: true,
		Output: map[string]any{
			"status_code": res.StatusCode,
			"body":        res.BodyPreview(),
		},
	}

	if cfg.ResponseFilter != "" && e.jq != nil {
		if filtered, ferr := e.filterResponse(callCtx, cfg.ResponseFilter, res.Body); ferr != nil {
			out.Warning = "response filter: " + ferr.Error()
		} else {
			out.Vars = map[string]any{node.ID: filtered}
		}
	}

	return out
}

// filterResponse parses the body as JSON and applies the jq expression.
func (e *Executor) filterResponse(ctx context.Context, filter, body string) (any, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, err
	}
	return e.jq.Evaluate(ctx, filter, doc)
}
