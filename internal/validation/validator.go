// Package validation checks playbook definitions before they are published and
// step inputs before a step body runs.
package validation

import (
	"github.com/rendis/playbooks/pkg/schema"
)

// DefinitionValidator runs the three validation stages in order: structural
// (JSON Schema), semantic (references and registrations) and reachability.
// Semantic checks are skipped when the structure is broken.
type DefinitionValidator struct {
	schemas *SchemaValidator
	steps   StepTypeLookup
	checker TriggerChecker
}

// NewDefinitionValidator builds a validator. steps and checker may be nil, in
// which case step type and trigger expression checks are skipped.
func NewDefinitionValidator(steps StepTypeLookup, checker TriggerChecker) (*DefinitionValidator, error) {
	sv, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &DefinitionValidator{schemas: sv, steps: steps, checker: checker}, nil
}

// Validate checks a decoded definition.
func (v *DefinitionValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		result := &schema.ValidationResult{}
		result.AddError(schema.Location{}, CodeStructure, "definition is nil")
		return result
	}
	serialized, err := def.Serialize()
	if err != nil {
		result := &schema.ValidationResult{}
		result.AddError(schema.Location{}, CodeStructure, err.Error())
		return result
	}
	return v.validate(serialized, def)
}

// ValidateSerialized checks a definition as stored. Unknown fields are caught
// here and would be silently dropped by a decode-first path.
func (v *DefinitionValidator) ValidateSerialized(serialized string) *schema.ValidationResult {
	def, err := schema.ParseDefinition(serialized)
	if err != nil {
		result := &schema.ValidationResult{}
		result.AddError(schema.Location{}, CodeStructure, err.Error())
		return result
	}
	return v.validate(serialized, def)
}

func (v *DefinitionValidator) validate(serialized string, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if err := v.schemas.ValidateDocument(serialized); err != nil {
		addSchemaViolations(result, err)
		return result
	}

	result.Merge(validateSemantic(def, v.steps, v.checker))
	if !result.Valid() {
		return result
	}
	result.Merge(validateReachability(def))
	return result
}

// ValidateInput checks rendered step inputs against a JSON Schema.
func (v *DefinitionValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return v.schemas.ValidateInput(input, inputSchema)
}

func addSchemaViolations(result *schema.ValidationResult, err error) {
	pbErr, ok := err.(*schema.PlaybookError)
	if !ok {
		result.AddError(schema.Location{}, CodeStructure, err.Error())
		return
	}
	violations, _ := pbErr.Details["violations"].([]string)
	if len(violations) == 0 {
		result.AddError(schema.Location{}, CodeStructure, pbErr.Message)
		return
	}
	for _, v := range violations {
		result.AddError(schema.Location{}, CodeStructure, v)
	}
}
