package nodes

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ghostworker/flow/internal/collab"
	"github.com/ghostworker/flow/internal/expressions"
	"github.com/ghostworker/flow/pkg/schema"
)

const (
	defaultCallTimeout    = 30 * time.Second
	defaultInlineDelayMax = 5 * time.Second

	// VarAIResponse is the context variable the ai_response node writes.
	VarAIResponse = "ai_response"
)

// Context carries the mutable state of one run through the walk: the
// immutable trigger payload and the variables nodes accumulate.
type Context struct {
	Trigger map[string]any
	Vars    map[string]any
}

func NewContext(trigger map[string]any) *Context {
	if trigger == nil {
		trigger = map[string]any{}
	}
	return &Context{Trigger: trigger, Vars: map[string]any{}}
}

// Doc builds the lookup document conditions and expressions evaluate
// against. Trigger fields sit at the top level with variables overlaid,
// and both are also reachable under explicit "trigger"/"vars" keys.
func (c *Context) Doc() map[string]any {
	doc := make(map[string]any, len(c.Trigger)+len(c.Vars)+2)
	for k, v := range c.Trigger {
		doc[k] = v
	}
	for k, v := range c.Vars {
		doc[k] = v
	}
	doc["trigger"] = c.Trigger
	doc["vars"] = c.Vars
	return doc
}

// Result is what every node handler returns. Continue defaults to true;
// end nodes set it false so the walker prunes their successors.
// Error and Warning record node-local problems that do not abort the run.
type Result struct {
	Continue bool
	Matched  *bool          // condition nodes only
	Output   map[string]any // recorded in the run log
	Vars     map[string]any // merged into Context.Vars by the walker
	Error    string
	Warning  string
	Delay    time.Duration // >0 asks the walker to park the run
}

func ok() *Result                 { return &Result{Continue: true} }
func nodeErr(msg string) *Result  { return &Result{Continue: true, Error: msg} }
func nodeWarn(msg string) *Result { return &Result{Continue: true, Warning: msg} }

// Executor dispatches node execution over a closed set of node types.
// External side effects go through the collaborator interfaces; failures are
// translated to each node type's error policy, so only ai_response failures
// (and cancellation) surface as Go errors to the walker.
type Executor struct {
	eval      *expressions.Evaluator
	jq        *expressions.GoJQEngine
	webhook   collab.WebhookCaller
	messenger collab.Messenger
	ai        collab.AIClient
	crm       collab.CRM
	logger    *slog.Logger

	callTimeout    time.Duration
	inlineDelayMax time.Duration
}

// Deps bundles the Executor's collaborators.
type Deps struct {
	Evaluator *expressions.Evaluator
	JQ        *expressions.GoJQEngine
	Webhook   collab.WebhookCaller
	Messenger collab.Messenger
	AI        collab.AIClient
	CRM       collab.CRM
	Logger    *slog.Logger

	CallTimeout    time.Duration
	InlineDelayMax time.Duration
}

func NewExecutor(deps Deps) *Executor {
	e := &Executor{
		eval:           deps.Evaluator,
		jq:             deps.JQ,
		webhook:        deps.Webhook,
		messenger:      deps.Messenger,
		ai:             deps.AI,
		crm:            deps.CRM,
		logger:         deps.Logger,
		callTimeout:    deps.CallTimeout,
		inlineDelayMax: deps.InlineDelayMax,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.callTimeout <= 0 {
		e.callTimeout = defaultCallTimeout
	}
	if e.inlineDelayMax < 0 {
		e.inlineDelayMax = defaultInlineDelayMax
	}
	if e.inlineDelayMax == 0 {
		e.inlineDelayMax = defaultInlineDelayMax
	}
	return e
}

// Execute runs a single node. A non-nil error aborts the run; node-local
// problems come back inside the Result instead.
func (e *Executor) Execute(ctx context.Context, node schema.Node, ec *Context) (*Result, error) {
	switch node.Type {
	case schema.NodeStart:
		return ok(), nil
	case schema.NodeEnd:
		return &Result{Continue: false}, nil
	case schema.NodeCondition:
		return e.execCondition(ctx, node, ec), nil
	case schema.NodeAction:
		return e.execAction(ctx, node, ec), nil
	case schema.NodeDelay:
		return e.execDelay(ctx, node)
	case schema.NodeSendMessage:
		return e.execSendMessage(ctx, node, ec), nil
	case schema.NodeUpdateTag:
		return e.execUpdateTag(ctx, node, ec), nil
	case schema.NodeAIResponse:
		return e.execAIResponse(ctx, node, ec)
	case schema.NodeCreateOrder:
		return e.execCreateOrder(ctx, node, ec), nil
	case schema.NodeWebhook:
		return e.execWebhook(ctx, node, ec), nil
	default:
		e.logger.WarnContext(ctx, "unknown node type", "node_type", string(node.Type))
		return nodeWarn("unknown node type: " + string(node.Type)), nil
	}
}

func (e *Executor) execCondition(ctx context.Context, node schema.Node, ec *Context) *Result {
	var cfg schema.ConditionConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		// Malformed condition config evaluates false, not an error.
		matched := false
		return &Result{Continue: true, Matched: &matched, Output: map[string]any{"matched": false}}
	}
	matched := e.eval.EvalAll(ctx, cfg.Conditions, ec.Doc())
	return &Result{
		Continue: true,
		Matched:  &matched,
		Output:   map[string]any{"matched": matched},
	}
}

func (e *Executor) execDelay(ctx context.Context, node schema.Node) (*Result, error) {
	var cfg schema.DelayConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return nodeErr("invalid delay config: " + err.Error()), nil
	}

	d := cfg.Duration()
	if d <= 0 {
		return ok(), nil
	}
	if d > e.inlineDelayMax {
		return &Result{
			Continue: true,
			Delay:    d,
			Output:   map[string]any{"delay_seconds": d.Seconds()},
		}, nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return &Result{Continue: true, Output: map[string]any{"delay_seconds": d.Seconds()}}, nil
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "delay interrupted").WithCause(ctx.Err())
	}
}

func (e *Executor) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.callTimeout)
}

// interpolate resolves {{name}} placeholders, run variables first,
// trigger payload second.
func (e *Executor) interpolate(template string, ec *Context) string {
	return expressions.Interpolate(template, ec.Vars, ec.Trigger)
}

func triggerString(ec *Context, key string) string {
	v, ok := ec.Trigger[key]
	if !ok {
		return ""
	}
	return expressions.Stringify(v)
}
