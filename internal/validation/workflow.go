package validation

import (
	"github.com/ghostworker/flow/internal/engine"
	"github.com/ghostworker/flow/pkg/schema"
)

// WorkflowValidator orchestrates the three-stage save-time pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (node configs, trigger cron, branch labels)
// 3. Graph (entry rules, dangling edges, cycles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
}

// NewWorkflowValidator creates a WorkflowValidator.
func NewWorkflowValidator() (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and graph stages are skipped.
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

	result.Merge(validateSemantic(wf))

	// Graph checks are skipped when configs are broken; the graph may not
	// mean what the author intended.
	if result.Valid() {
		result.Merge(validateGraph(wf))
	}

	return result
}

// ValidateDefinition runs the pipeline and collapses the result to an error.
func (wv *WorkflowValidator) ValidateDefinition(wf *schema.Workflow) error {
	return wv.Validate(wf).ToError()
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition,
// converting its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(wf)
	if err == nil {
		return result
	}

	flowErr, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if flowErr.Details != nil {
		if violations, ok := flowErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, flowErr.Message)
	return result
}

// validateGraph checks entry selection, edge integrity and acyclicity using
// the same graph construction the runner walks.
func validateGraph(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	g, err := engine.BuildGraph(wf)
	if err != nil {
		result.AddError("connections", schema.ErrCodeValidation, err.Error())
		return result
	}

	if len(wf.Nodes) > 0 && !g.IsAcyclic() {
		result.AddError("connections", schema.ErrCodeCycleDetected,
			"workflow graph contains a cycle")
	}
	return result
}
