package expressions

import "context"

// Engine evaluates expressions used by condition nodes and trigger rules.
// Two implementations ship with the engine: CEL (default) and Expr. GoJQ is
// used separately for webhook response extraction.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
