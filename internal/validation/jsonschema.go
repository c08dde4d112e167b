package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/docflow/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for the workflow document shape.
// Embedded as a constant to avoid filesystem dependencies. Step configs
// are validated separately against their per-type schemas.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://docflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "trigger_type", "steps"],
  "properties": {
    "id": { "type": "string" },
    "tenant_id": { "type": "string" },
    "name": { "type": "string", "minLength": 1, "maxLength": 200 },
    "description": { "type": "string" },
    "trigger_type": {
      "type": "string",
      "enum": ["attachment_received", "message_received", "manual", "scheduled"]
    },
    "cron_expression": { "type": "string" },
    "is_active": { "type": "boolean" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" },
    "next_run_at": { "type": ["string", "null"] },
    "last_run_at": { "type": ["string", "null"] }
  },
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["trigger", "parse", "document_type", "condition", "transform", "api_action", "delay", "end"]
        },
        "config": { "type": "object" },
        "next_on_success": { "type": "string" },
        "next_on_failure": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// stepConfigSchemas maps each step type to the JSON Schema its config
// must satisfy. Field names here are the wire contract.
var stepConfigSchemas = map[schema.StepType]string{
	schema.StepTypeTrigger: `{
	  "type": "object",
	  "properties": {
	    "triggerType": { "type": "string" },
	    "filters": {
	      "type": "object",
	      "properties": {
	        "fileTypes": { "type": "array", "items": { "type": "string" } },
	        "channels": { "type": "array", "items": { "type": "string" } },
	        "keywords": { "type": "array", "items": { "type": "string" } }
	      },
	      "additionalProperties": false
	    }
	  },
	  "additionalProperties": false
	}`,
	schema.StepTypeParse: `{
	  "type": "object",
	  "required": ["extractionSchema"],
	  "properties": {
	    "model": { "type": "string" },
	    "extractionSchema": {
	      "type": "array",
	      "minItems": 1,
	      "items": {
	        "type": "object",
	        "required": ["name", "type"],
	        "properties": {
	          "name": { "type": "string", "minLength": 1 },
	          "type": { "type": "string", "enum": ["string", "number", "date", "boolean", "array"] },
	          "required": { "type": "boolean" },
	          "description": { "type": "string" }
	        },
	        "additionalProperties": false
	      }
	    },
	    "confidenceThreshold": { "type": "number", "minimum": 0, "maximum": 1 },
	    "maskPii": { "type": "boolean" }
	  },
	  "additionalProperties": false
	}`,
	schema.StepTypeDocumentType: `{
	  "type": "object",
	  "required": ["strategy"],
	  "properties": {
	    "strategy": { "type": "string", "enum": ["ai_classification", "keyword_matching", "both"] },
	    "minConfidence": { "type": "number", "minimum": 0, "maximum": 1 },
	    "categories": {
	      "type": "array",
	      "items": {
	        "type": "object",
	        "required": ["name"],
	        "properties": {
	          "name": { "type": "string", "minLength": 1 },
	          "keywords": { "type": "array", "items": { "type": "string" } }
	        },
	        "additionalProperties": false
	      }
	    },
	    "unknownIsFailure": { "type": "boolean" }
	  },
	  "additionalProperties": false
	}`,
	schema.StepTypeCondition: `{
	  "type": "object",
	  "properties": {
	    "conditions": {
	      "type": "array",
	      "items": {
	        "type": "object",
	        "required": ["field", "operator"],
	        "properties": {
	          "field": { "type": "string", "minLength": 1 },
	          "operator": {
	            "type": "string",
	            "enum": ["equals", "not_equals", "contains", "not_contains", "greater_than", "less_than", "exists", "not_exists", "matches_regex"]
	          },
	          "value": {}
	        },
	        "additionalProperties": false
	      }
	    },
	    "logic": { "type": "string", "enum": ["AND", "OR"] },
	    "expression": { "type": "string" }
	  },
	  "additionalProperties": false
	}`,
	schema.StepTypeTransform: `{
	  "type": "object",
	  "required": ["mapping"],
	  "properties": {
	    "mapping": {
	      "type": "array",
	      "items": {
	        "type": "object",
	        "required": ["outputField", "sourceField"],
	        "properties": {
	          "outputField": { "type": "string", "minLength": 1 },
	          "sourceField": { "type": "string", "minLength": 1 },
	          "transformation": {
	            "type": "string",
	            "enum": ["none", "uppercase", "lowercase", "trim", "format_date", "format_phone"]
	          }
	        },
	        "additionalProperties": false
	      }
	    }
	  },
	  "additionalProperties": false
	}`,
	schema.StepTypeAPIAction: `{
	  "type": "object",
	  "required": ["url"],
	  "properties": {
	    "method": { "type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE"] },
	    "url": { "type": "string", "minLength": 1 },
	    "headers": { "type": "object", "additionalProperties": { "type": "string" } },
	    "bodyTemplate": { "type": "string" },
	    "timeoutMs": { "type": "integer", "minimum": 1 },
	    "retryConfig": {
	      "type": "object",
	      "properties": {
	        "maxRetries": { "type": "integer", "minimum": 0, "maximum": 10 },
	        "backoffMs": { "type": "integer", "minimum": 0 }
	      },
	      "additionalProperties": false
	    }
	  },
	  "additionalProperties": false
	}`,
	schema.StepTypeDelay: `{
	  "type": "object",
	  "required": ["duration", "unit"],
	  "properties": {
	    "duration": { "type": "integer", "minimum": 1 },
	    "unit": { "type": "string", "enum": ["seconds", "minutes", "hours", "days"] }
	  },
	  "additionalProperties": false
	}`,
	schema.StepTypeEnd: `{
	  "type": "object",
	  "properties": {
	    "status": { "type": "string", "enum": ["success", "failure"] },
	    "notificationConfig": {
	      "type": "object",
	      "properties": {
	        "sendNotification": { "type": "boolean" },
	        "channel": { "type": "string" },
	        "message": { "type": "string" }
	      },
	      "additionalProperties": false
	    }
	  },
	  "additionalProperties": false
	}`,
}

// SchemaValidator validates workflow documents and step configs against
// JSON Schema Draft 2020-12. It is safe for concurrent use: all schemas
// are compiled at construction.
type SchemaValidator struct {
	workflowSchema *jsonschema.Schema
	stepSchemas    map[schema.StepType]*jsonschema.Schema
}

// NewSchemaValidator compiles the workflow and per-step-type schemas.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	const workflowURL = "https://docflow.dev/schemas/workflow.json"
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	wfSchema, err := c.Compile(workflowURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	stepSchemas := make(map[schema.StepType]*jsonschema.Schema, len(stepConfigSchemas))
	for stepType, raw := range stepConfigSchemas {
		url := fmt.Sprintf("https://docflow.dev/schemas/steps/%s.json", stepType)
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s config schema: %w", stepType, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s config schema: %w", stepType, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s config schema: %w", stepType, err)
		}
		stepSchemas[stepType] = compiled
	}

	return &SchemaValidator{workflowSchema: wfSchema, stepSchemas: stepSchemas}, nil
}

// ValidateDocument validates the workflow document shape.
func (v *SchemaValidator) ValidateDocument(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	doc, err := toJSONValue(wf)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateStepConfig validates a step's config against its type schema.
// An absent config validates against the schema as an empty object.
func (v *SchemaValidator) ValidateStepConfig(step *schema.Step) error {
	compiled, ok := v.stepSchemas[step.Type]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", step.Type).WithStep(step.ID)
	}
	raw := step.Config
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeConfig, "step %s config is not valid JSON", step.ID).
			WithStep(step.ID).WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err).WithStep(step.ID)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError
// with leaf violation messages.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
