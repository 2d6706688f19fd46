package validation

import "github.com/rendis/openrooms/pkg/schema"

// Options wires the optional lookups used by semantic checks. Nil fields skip
// the corresponding check.
type Options struct {
	Tools      ToolLookup
	Conditions ExpressionChecker
	Decisions  ExpressionChecker
}

// WorkflowValidator runs the three-stage ingest pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (references, node configs, retry policies, expressions)
// 3. Graph (reachability from the initial node)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	checks     semanticChecks
}

// NewWorkflowValidator creates a WorkflowValidator.
func NewWorkflowValidator(opts Options) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		checks: semanticChecks{
			tools:      opts.Tools,
			conditions: opts.Conditions,
			decisions:  opts.Decisions,
		},
	}, nil
}

// Validate runs the pipeline and returns an aggregated result.
// Structural errors short-circuit the later stages.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, wf)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(wf, wv.checks))
	if result.Valid() {
		result.Merge(validateGraph(wf))
	}
	return result
}

// ValidateWorkflow satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow) error {
	return wv.Validate(wf).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

func validateStructural(v *JSONSchemaValidator, wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDocument(wf)
	if err == nil {
		return result
	}

	engErr, ok := err.(*schema.EngineError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := engErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, engErr.Message)
	return result
}

var _ Validator = (*WorkflowValidator)(nil)
