package expressions

import "context"

// Engine evaluates a single expression against a data map.
// Implementations: CELEngine (conditions, trigger filters), ExprEngine
// (template expressions), GoJQEngine (jq transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
