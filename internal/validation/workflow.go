package validation

import (
	"fmt"

	"github.com/avelara/machina/pkg/schema"
)

// WorkflowValidator runs the full validation pipeline over a workflow spec.
// Stages run in order: structural errors short-circuit, and the graph stage
// is skipped when the semantic stage found errors since broken references
// would produce misleading cycle reports.
type WorkflowValidator struct {
	structural *JSONSchemaValidator
}

// NewWorkflowValidator builds a validator with compiled JSON Schemas.
func NewWorkflowValidator() (*WorkflowValidator, error) {
	structural, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("build structural validator: %w", err)
	}
	return &WorkflowValidator{structural: structural}, nil
}

// Validate runs all applicable stages and returns the aggregated result.
func (v *WorkflowValidator) Validate(spec *schema.WorkflowSpec) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if err := v.structural.ValidateSpec(spec); err != nil {
		addStructuralError(result, err)
		return result
	}

	result.Merge(validateSemantic(spec))
	if !result.Valid() {
		return result
	}

	result.Merge(validateDAG(spec))
	return result
}

// ValidateSpec implements Validator, collapsing the result to an error.
func (v *WorkflowValidator) ValidateSpec(spec *schema.WorkflowSpec) error {
	return v.Validate(spec).ToError()
}

// addStructuralError unpacks the violation list carried by a structural
// MachinaError into individual issues, falling back to the bare message.
func addStructuralError(result *schema.ValidationResult, err error) {
	mErr, ok := err.(*schema.MachinaError)
	if !ok {
		result.AddError("", "SCHEMA_VIOLATION", err.Error())
		return
	}
	if violations, ok := mErr.Details["violations"].([]string); ok && len(violations) > 0 {
		for _, violation := range violations {
			result.AddError("", "SCHEMA_VIOLATION", violation)
		}
		return
	}
	result.AddError("", "SCHEMA_VIOLATION", mErr.Message)
}
