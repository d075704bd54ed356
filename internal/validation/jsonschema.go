package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/avelara/machina/pkg/schema"
)

// durationPattern accepts Go duration strings or an interpolation token
// that resolves at execution time.
const durationPattern = `^(\\$\\{\\{.+\\}\\}|-?([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+)$`

// workflowSchemaJSON is the JSON Schema for WorkflowSpec validation.
// Embedded as a constant to avoid filesystem dependencies.
var workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://machina.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "kind": {
          "type": "string",
          "enum": ["create_instance", "execute_command", "wait", "destroy_instance", "conditional"]
        },
        "config": { "type": "object" },
        "depends_on": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        }
      },
      "additionalProperties": false
    }
  }
}`

// stepConfigSchemas holds the per-kind JSON Schema for step config blocks.
var stepConfigSchemas = map[schema.StepKind]string{
	schema.StepKindCreateInstance: `{
  "type": "object",
  "properties": {
    "name": { "type": "string" },
    "region": { "type": "string" },
    "image": { "type": "string" },
    "size": { "type": "string" },
    "memory_mb": { "type": "integer", "minimum": 1 },
    "metadata": { "type": "object", "additionalProperties": { "type": "string" } },
    "context_key": { "type": "string", "minLength": 1 },
    "wait_ready": {
      "type": "object",
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 1 },
        "interval": { "type": "string", "pattern": "` + durationPattern + `" }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`,
	schema.StepKindExecuteCommand: `{
  "type": "object",
  "required": ["command"],
  "properties": {
    "command": { "type": "string", "minLength": 1 },
    "args": { "type": "array", "items": { "type": "string" } },
    "instance_key": { "type": "string", "minLength": 1 },
    "timeout": { "type": "string", "pattern": "` + durationPattern + `" },
    "fail_on_error": { "type": "boolean" },
    "output_key": { "type": "string", "minLength": 1 },
    "extract": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`,
	schema.StepKindWait: `{
  "type": "object",
  "required": ["duration"],
  "properties": {
    "duration": { "type": "string", "pattern": "` + durationPattern + `" }
  },
  "additionalProperties": false
}`,
	schema.StepKindDestroyInstance: `{
  "type": "object",
  "properties": {
    "instance_key": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`,
	schema.StepKindConditional: `{
  "type": "object",
  "properties": {
    "condition": {
      "type": "object",
      "required": ["key", "operator"],
      "properties": {
        "key": { "type": "string", "minLength": 1 },
        "operator": { "type": "string", "enum": ["equals", "not_equals", "contains", "exists"] },
        "value": { "type": "string" }
      },
      "additionalProperties": false
    },
    "expression": { "type": "string", "minLength": 1 },
    "engine": { "type": "string", "enum": ["cel", "expr"] },
    "then_step": { "type": "object" },
    "else_step": { "type": "object" }
  },
  "additionalProperties": false
}`,
}

// JSONSchemaValidator performs structural validation with JSON Schema
// Draft 2020-12. Safe for concurrent use; all schemas are compiled once at
// construction.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
	configSchemas  map[schema.StepKind]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow and per-kind config schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://machina.dev/schemas/workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	wfSchema, err := c.Compile("https://machina.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	configs := make(map[schema.StepKind]*jsonschema.Schema, len(stepConfigSchemas))
	for kind, raw := range stepConfigSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s config schema: %w", kind, err)
		}
		url := fmt.Sprintf("https://machina.dev/schemas/steps/%s.json", kind)
		cc := jsonschema.NewCompiler()
		cc.AssertFormat()
		if err := cc.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s config schema: %w", kind, err)
		}
		compiled, err := cc.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s config schema: %w", kind, err)
		}
		configs[kind] = compiled
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		configSchemas:  configs,
	}, nil
}

// ValidateSpec validates a WorkflowSpec against the workflow schema and
// each step config against its kind's schema.
func (v *JSONSchemaValidator) ValidateSpec(spec *schema.WorkflowSpec) error {
	if spec == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow spec is nil")
	}

	doc, err := toJSONValue(spec)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow spec").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toMachinaError(err)
	}

	// Cross-field checks JSON Schema cannot express: duplicate step IDs.
	seen := make(map[string]struct{}, len(spec.Steps))
	for _, step := range spec.Steps {
		if _, exists := seen[step.ID]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q", step.ID)
		}
		seen[step.ID] = struct{}{}

		if err := v.validateStepConfig(&step); err != nil {
			return err
		}
	}
	return nil
}

// validateStepConfig validates one step's config block, recursing into
// conditional branches.
func (v *JSONSchemaValidator) validateStepConfig(step *schema.StepDefinition) error {
	compiled, ok := v.configSchemas[step.Kind]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"step %s has unknown kind %q", step.ID, step.Kind).WithStep(step.ID)
	}
	if len(step.Config) == 0 {
		// Required-field violations for configless steps surface through
		// an empty object.
		step = &schema.StepDefinition{ID: step.ID, Kind: step.Kind, Config: json.RawMessage(`{}`)}
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(step.Config)))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"step %s has malformed config: %v", step.ID, err).WithStep(step.ID)
	}
	if err := compiled.Validate(doc); err != nil {
		mErr := toMachinaError(err)
		mErr.Message = fmt.Sprintf("step %s config: %s", step.ID, mErr.Message)
		return mErr.WithStep(step.ID)
	}

	if step.Kind == schema.StepKindConditional {
		var cfg schema.ConditionalConfig
		if err := json.Unmarshal(step.Config, &cfg); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %s has malformed conditional config: %v", step.ID, err).WithStep(step.ID)
		}
		for _, branch := range []*schema.StepDefinition{cfg.ThenStep, cfg.ElseStep} {
			if branch == nil {
				continue
			}
			if err := v.validateStepConfig(branch); err != nil {
				return err
			}
		}
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toMachinaError converts a jsonschema.ValidationError into a MachinaError
// with the leaf violations collected for readable reporting.
func toMachinaError(err error) *schema.MachinaError {
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
	return schema.NewErrorf(schema.ErrCodeValidation,
		"validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
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
