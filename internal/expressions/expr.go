package expressions

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/builtin"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/openrooms/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions. Programs are compiled against an
// untyped map environment with no host functions and cached by source text.
// A variable named like a builtin (count, len, max, ...) shadows it when read
// as a plain identifier; calls such as len(items) still reach the builtin.
// Safe for concurrent use.
type ExprEngine struct {
	mu        sync.RWMutex
	cache     map[string]*vm.Program
	boolCache map[string]*vm.Program
}

// NewExprEngine creates a new expr-lang engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache:     make(map[string]*vm.Program),
		boolCache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate runs the expression with every data key available as a top-level variable.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.compile(expression, false)
	if err != nil {
		return nil, err
	}
	return run(prg, expression, data)
}

// Check compiles a guard expression, which must be boolean.
func (e *ExprEngine) Check(expression string) error {
	_, err := e.compile(expression, true)
	return err
}

// EvaluateCondition evaluates a transition guard over the room variables.
// Variables are reachable both at top level (x) and under state (state.x,
// state.variables.x).
func (e *ExprEngine) EvaluateCondition(_ context.Context, expression string, variables map[string]any) (bool, error) {
	prg, err := e.compile(expression, true)
	if err != nil {
		return false, err
	}
	out, err := run(prg, expression, ConditionEnv(variables))
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"condition %q returned %T, expected bool", expression, out)
	}
	return b, nil
}

// ConditionEnv builds the guard environment for a variable bag.
func ConditionEnv(variables map[string]any) map[string]any {
	state := make(map[string]any, len(variables)+1)
	maps.Copy(state, variables)
	if _, taken := state["variables"]; !taken {
		state["variables"] = variables
	}

	env := make(map[string]any, len(variables)+1)
	maps.Copy(env, variables)
	env["state"] = state
	return env
}

func run(prg *vm.Program, expression string, data map[string]any) (any, error) {
	env := data
	if env == nil {
		env = map[string]any{}
	}
	out, err := expr.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

func (e *ExprEngine) compile(expression string, asBool bool) (*vm.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	cache := e.cache
	if asBool {
		cache = e.boolCache
	}

	e.mu.RLock()
	prg, ok := cache[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := cache[expression]; ok {
		return prg, nil
	}

	opts := []expr.Option{
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		// now() reads the host clock.
		expr.DisableBuiltin("now"),
	}
	for _, name := range shadowedBuiltins(expression) {
		opts = append(opts, expr.DisableBuiltin(name))
	}
	if asBool {
		opts = append(opts, expr.AsBool())
	}
	prg, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	cache[expression] = prg
	return prg, nil
}

// shadowedBuiltins returns the builtin names expression reads as variables.
// A parse error yields nil and is reported by the compile that follows.
func shadowedBuiltins(expression string) []string {
	tree, err := parser.Parse(expression)
	if err != nil {
		return nil
	}
	v := &builtinIdents{}
	ast.Walk(&tree.Node, v)
	return v.names
}

type builtinIdents struct {
	names []string
}

func (v *builtinIdents) Visit(node *ast.Node) {
	id, ok := (*node).(*ast.IdentifierNode)
	if !ok {
		return
	}
	if _, isBuiltin := builtin.Index[id.Value]; isBuiltin && !slices.Contains(v.names, id.Value) {
		v.names = append(v.names, id.Value)
	}
}

var _ Engine = (*ExprEngine)(nil)
