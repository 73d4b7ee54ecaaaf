package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/signflow/pkg/schema"
)

const definitionSchemaURL = "https://signflow.dev/schemas/workflow.json"

// definitionSchemaJSON describes the wire shape of a WorkflowDefinition.
// Per-type config requirements are expressed with if/then so that a step
// with the wrong config fields is caught before decoding.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://signflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "version": { "type": "string" },
    "variables": { "type": "object" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["send-document", "await-signature", "approval-gate", "conditional-branch", "parallel", "wait"]
        },
        "name": { "type": "string" },
        "config": { "type": "object" },
        "onSuccess": { "type": "string" },
        "onFailure": { "type": "string" },
        "retry": { "$ref": "#/$defs/retry" }
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": { "properties": { "type": { "const": "send-document" } } },
          "then": { "required": ["config"], "properties": { "config": { "$ref": "#/$defs/sendDocument" } } }
        },
        {
          "if": { "properties": { "type": { "const": "await-signature" } } },
          "then": { "required": ["config"], "properties": { "config": { "$ref": "#/$defs/awaitSignature" } } }
        },
        {
          "if": { "properties": { "type": { "const": "approval-gate" } } },
          "then": { "required": ["config"], "properties": { "config": { "$ref": "#/$defs/approvalGate" } } }
        },
        {
          "if": { "properties": { "type": { "const": "conditional-branch" } } },
          "then": { "required": ["config"], "properties": { "config": { "$ref": "#/$defs/conditionalBranch" } } }
        },
        {
          "if": { "properties": { "type": { "const": "parallel" } } },
          "then": { "required": ["config"], "properties": { "config": { "$ref": "#/$defs/parallel" } } }
        },
        {
          "if": { "properties": { "type": { "const": "wait" } } },
          "then": { "required": ["config"], "properties": { "config": { "$ref": "#/$defs/wait" } } }
        }
      ]
    },
    "sendDocument": {
      "type": "object",
      "required": ["recipientEmail"],
      "properties": {
        "recipientEmail": { "type": "string", "minLength": 1 },
        "recipientName": { "type": "string" },
        "customMessage": { "type": "string" },
        "template": { "type": "string" }
      },
      "additionalProperties": false
    },
    "awaitSignature": {
      "type": "object",
      "required": ["recipientId"],
      "properties": {
        "recipientId": { "type": "string", "minLength": 1 },
        "timeout": { "$ref": "#/$defs/duration" },
        "reminderInterval": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "approvalGate": {
      "type": "object",
      "required": ["approvers", "mode"],
      "properties": {
        "approvers": { "type": "array", "minItems": 1, "items": { "type": "string", "minLength": 1 } },
        "mode": { "type": "string", "enum": ["any", "all", "majority"] },
        "timeout": { "$ref": "#/$defs/duration" },
        "escalationUserId": { "type": "string" }
      },
      "additionalProperties": false
    },
    "conditionalBranch": {
      "type": "object",
      "required": ["condition", "thenStep"],
      "properties": {
        "condition": { "type": "string", "minLength": 1 },
        "thenStep": { "type": "string", "minLength": 1 },
        "elseStep": { "type": "string" },
        "language": { "type": "string", "enum": ["", "cel", "expr", "jq"] }
      },
      "additionalProperties": false
    },
    "parallel": {
      "type": "object",
      "required": ["steps"],
      "properties": {
        "steps": { "type": "array", "minItems": 1, "items": { "type": "string", "minLength": 1 } },
        "waitForAll": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "wait": {
      "type": "object",
      "properties": {
        "duration": { "$ref": "#/$defs/duration" },
        "until": { "type": "string", "format": "date-time" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["maxAttempts"],
      "properties": {
        "maxAttempts": { "type": "integer", "minimum": 1, "maximum": 20 },
        "initialDelay": { "$ref": "#/$defs/duration" },
        "multiplier": { "type": "number", "minimum": 1 },
        "maxDelay": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    }
  }
}`

// StructuralValidator checks definitions against the definition JSON Schema.
// It is safe for concurrent use.
type StructuralValidator struct {
	schema *jsonschema.Schema
}

// NewStructuralValidator compiles the definition schema.
func NewStructuralValidator() (*StructuralValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource(definitionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add definition schema: %w", err)
	}
	compiled, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	return &StructuralValidator{schema: compiled}, nil
}

// ValidateDocument checks a raw JSON definition.
func (v *StructuralValidator) ValidateDocument(raw []byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		result.AddError("/", "definition is not valid JSON: %v", err)
		return result
	}
	v.check(doc, result)
	return result
}

// ValidateDefinition checks an already decoded definition by re-encoding it.
func (v *StructuralValidator) ValidateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	b, err := json.Marshal(def)
	if err != nil {
		result.AddError("/", "definition cannot be encoded: %v", err)
		return result
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
	if err != nil {
		result.AddError("/", "definition cannot be decoded: %v", err)
		return result
	}
	v.check(doc, result)
	return result
}

func (v *StructuralValidator) check(doc any, result *schema.ValidationResult) {
	err := v.schema.Validate(doc)
	if err == nil {
		return
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("/", "%s", err.Error())
		return
	}
	for _, leaf := range leafViolations(verr) {
		result.AddError(leaf.path, "%s", leaf.message)
	}
}

type violation struct {
	path    string
	message string
}

// leafViolations flattens the error tree to its leaves, which carry the
// actionable messages.
func leafViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		return []violation{{path: "/" + strings.Join(verr.InstanceLocation, "/"), message: verr.Error()}}
	}
	var out []violation
	for _, c := range verr.Causes {
		out = append(out, leafViolations(c)...)
	}
	return out
}
