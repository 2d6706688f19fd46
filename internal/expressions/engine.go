// Package expressions hosts the sandboxed evaluators used by workflows:
// expr-lang for transition guards and arithmetic, CEL for DECISION nodes and
// gojq for reshaping variables.
package expressions

import "context"

// Engine evaluates expressions against a data map.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
	// Check compiles the expression without evaluating it.
	Check(expression string) error
}
