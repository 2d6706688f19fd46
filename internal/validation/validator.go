package validation

import "github.com/rendis/openrooms/pkg/schema"

// Validator checks workflow definitions on ingest and tool arguments at call time.
// Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateWorkflow(wf *schema.Workflow) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// ToolLookup reports whether a tool is registered.
type ToolLookup interface {
	Has(name string) bool
}

// ExpressionChecker compiles an expression without evaluating it.
type ExpressionChecker interface {
	Check(expression string) error
}
