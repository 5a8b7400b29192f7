package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/playbooks/pkg/schema"
)

const definitionSchemaURL = "https://playbooks.dev/schemas/definition.json"

// definitionSchemaJSON is the structural schema of a WorkflowDefinition.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://playbooks.dev/schemas/definition.json",
  "type": "object",
  "required": ["start_sequence", "sequences"],
  "properties": {
    "format_version": { "type": "integer", "minimum": 0 },
    "triggers": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/trigger" }
    },
    "dispatch": {
      "type": "object",
      "properties": {
        "mode": { "enum": ["", "inline", "queued"] },
        "max_iterations": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "start_sequence": { "type": "string", "minLength": 1 },
    "sequences": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": { "$ref": "#/$defs/sequence" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "trigger": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "id": { "type": "string" },
        "type": { "type": "string", "minLength": 1 },
        "filter": { "type": "string" },
        "outputs": {
          "type": ["object", "null"],
          "additionalProperties": { "type": "string", "minLength": 1 }
        }
      },
      "additionalProperties": false
    },
    "sequence": {
      "type": "object",
      "required": ["actions"],
      "properties": {
        "actions": {
          "type": ["array", "null"],
          "items": { "$ref": "#/$defs/step" }
        }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["id", "action"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "action": { "type": "string", "minLength": 1 },
        "inputs": { "type": ["object", "null"] },
        "branches": {
          "type": ["object", "null"],
          "additionalProperties": { "$ref": "#/$defs/branch" }
        }
      },
      "additionalProperties": false
    },
    "branch": {
      "type": "object",
      "required": ["sequence", "step"],
      "properties": {
        "sequence": { "type": "string", "minLength": 1 },
        "step": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    }
  }
}`

// SchemaValidator checks documents against JSON Schema draft 2020-12. It is
// safe for concurrent use.
type SchemaValidator struct {
	definition *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator compiles the definition schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	c := newCompiler()
	if err := c.AddResource(definitionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	compiled, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	return &SchemaValidator{definition: compiled, cache: make(map[string]*jsonschema.Schema)}, nil
}

// ValidateDocument checks a serialized definition's structure.
func (v *SchemaValidator) ValidateDocument(serialized string) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(serialized))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "definition is not valid JSON").WithCause(err)
	}
	if err := v.definition.Validate(doc); err != nil {
		return toPlaybookError(err)
	}
	return nil
}

// ValidateInput checks evaluated step inputs against a step type's input
// schema. An empty schema accepts anything.
func (v *SchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	compiled, err := v.compileInput(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toPlaybookError(err)
	}
	return nil
}

func (v *SchemaValidator) compileInput(raw []byte) (*jsonschema.Schema, error) {
	key := string(raw)

	v.mu.RLock()
	cached, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("playbooks://input-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number and
// structs (tagged values) become maps, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toPlaybookError(err error) *schema.PlaybookError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

// collectViolations flattens a ValidationError tree into "location: message" leaves.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
