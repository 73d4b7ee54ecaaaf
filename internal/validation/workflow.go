package validation

import (
	"encoding/json"

	"github.com/rendis/signflow/pkg/schema"
)

// WorkflowValidator runs the definition pipeline:
//  1. structural (JSON Schema)
//  2. semantic (references, conditions, durations)
//  3. flow analysis (unreachable steps, loops; warnings only)
type WorkflowValidator struct {
	structural *StructuralValidator
	conditions ConditionChecker
}

// NewWorkflowValidator builds a validator. conditions may be nil to skip
// condition compilation.
func NewWorkflowValidator(conditions ConditionChecker) (*WorkflowValidator, error) {
	sv, err := NewStructuralValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{structural: sv, conditions: conditions}, nil
}

// Validate returns every issue found. Structural errors skip the later
// stages.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", "workflow definition is nil")
		return r
	}
	result := wv.structural.ValidateDefinition(def)
	if !result.Valid() {
		return result
	}
	return wv.afterStructure(def, result)
}

// ValidateDefinition returns a VALIDATION_ERROR when def is invalid.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ParseDefinition validates a raw JSON document and decodes it.
func (wv *WorkflowValidator) ParseDefinition(raw []byte) (*schema.WorkflowDefinition, *schema.ValidationResult) {
	result := wv.structural.ValidateDocument(raw)
	if !result.Valid() {
		return nil, result
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		result.AddError("/", "%s", errMessage(err))
		return nil, result
	}
	return &def, wv.afterStructure(&def, result)
}

func (wv *WorkflowValidator) afterStructure(def *schema.WorkflowDefinition, result *schema.ValidationResult) *schema.ValidationResult {
	result.Merge(validateSemantic(def, wv.conditions))
	if result.Valid() {
		result.Merge(analyzeFlow(def))
	}
	return result
}
