package expressions

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ghostworker/flow/pkg/schema"
)

// Evaluator evaluates condition lists against a data document. The same
// evaluator serves trigger matching (document = event payload) and condition
// nodes (document = {"trigger": payload, "vars": variables}).
type Evaluator struct {
	engines map[string]Engine
}

// NewEvaluator creates an Evaluator with the given expression engines
// registered by name. The first engine is the default for expression
// conditions that name no engine.
func NewEvaluator(engines ...Engine) *Evaluator {
	ev := &Evaluator{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		ev.engines[e.Name()] = e
		if _, ok := ev.engines[""]; !ok {
			ev.engines[""] = e
		}
	}
	return ev
}

// EvalAll reports whether every condition passes against the document.
// Conditions AND together and short-circuit on the first failure. An empty
// list always passes. Malformed operands and expression errors fail the
// condition rather than raising.
func (ev *Evaluator) EvalAll(ctx context.Context, conditions []schema.Condition, doc map[string]any) bool {
	for _, cond := range conditions {
		if !ev.eval(ctx, cond, doc) {
			return false
		}
	}
	return true
}

func (ev *Evaluator) eval(ctx context.Context, cond schema.Condition, doc map[string]any) bool {
	if cond.Operator == schema.OpExpression {
		return ev.evalExpression(ctx, cond, doc)
	}

	actual, _ := LookupPath(doc, cond.Field)

	switch cond.Operator {
	case schema.OpEquals:
		return Stringify(actual) == Stringify(cond.Value)
	case schema.OpNotEquals:
		return Stringify(actual) != Stringify(cond.Value)
	case schema.OpContains:
		return strings.Contains(Stringify(actual), Stringify(cond.Value))
	case schema.OpGreaterThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(cond.Value)
		return aok && bok && a > b
	case schema.OpLessThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(cond.Value)
		return aok && bok && a < b
	default:
		// Unknown operator is a configuration mistake, not a runtime error.
		return false
	}
}

// evalExpression evaluates an expression condition via the named engine.
// The expression text lives in cond.Value; any error evaluates false.
func (ev *Evaluator) evalExpression(ctx context.Context, cond schema.Condition, doc map[string]any) bool {
	engine, ok := ev.engines[cond.Engine]
	if !ok {
		return false
	}
	expr, ok := cond.Value.(string)
	if !ok || expr == "" {
		return false
	}
	out, err := engine.Evaluate(ctx, expr, doc)
	if err != nil {
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

// LookupPath resolves a dot-separated path against nested maps. Missing
// intermediate keys resolve to absence, not error.
func LookupPath(doc map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = doc
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Stringify renders a value the way condition comparison and template
// interpolation see it: JSON scalars without quotes, nil as empty string.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case float64:
		// JSON numbers decode as float64; render integers without a decimal point.
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
