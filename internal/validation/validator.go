package validation

import "github.com/cascadehq/cascade/pkg/schema"

// Validator checks workflow definitions for correctness before activation
// and trigger input before execution.
type Validator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema, per-type params)
// 2. Graph (trigger placement, references, loop bodies, cycles)
// 3. Semantic (expressions compile, actions exist, templates balance)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
	conditions ExpressionChecker
}

// NewWorkflowValidator creates a WorkflowValidator. Either dependency may
// be nil to skip the corresponding checks.
func NewWorkflowValidator(actions ActionLookup, conditions ExpressionChecker) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		actions:    actions,
		conditions: conditions,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: graph and semantic stages work on
// decoded params, which a malformed definition cannot provide.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("", "/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := wv.jsonSchema.ValidateDefinition(def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateGraph(def))

	// Semantic checks run even with graph errors; they are independent and
	// an editor wants the full issue list in one pass.
	result.Merge(validateSemantic(def, semanticDeps{
		actions:    wv.actions,
		conditions: wv.conditions,
		schemas:    wv.jsonSchema,
	}))

	return result
}

// ValidateDefinition collapses the result into an error for callers that
// only gate on pass/fail.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInput validates trigger input against an optional JSON Schema.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidatePayload(input, inputSchema)
}

// ValidateOutput validates an llm step's parsed output against the step's
// declared output schema.
func (wv *WorkflowValidator) ValidateOutput(output any, outputSchema []byte) error {
	return wv.jsonSchema.ValidatePayload(output, outputSchema)
}

var _ Validator = (*WorkflowValidator)(nil)
