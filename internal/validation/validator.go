package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/chainrun/pkg/schema"
)

// stepsSchemaJSON validates the wire shape of a flow's step list: an array
// of positions, each a single step or a parallel group of steps.
const stepsSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://chainrun.dev/schemas/steps.json",
  "type": "array",
  "minItems": 1,
  "items": {
    "type": "array",
    "minItems": 1,
    "items": { "$ref": "#/$defs/step" }
  },
  "$defs": {
    "step": {
      "type": "object",
      "required": ["name", "queue"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "queue": { "type": "string", "minLength": 1 },
        "payload": { "type": "object" },
        "options": { "$ref": "#/$defs/options" }
      },
      "additionalProperties": false
    },
    "options": {
      "type": "object",
      "properties": {
        "job_id": { "type": "string" },
        "max_attempts": { "type": "integer", "minimum": 1 },
        "backoff": {
          "type": "string",
          "enum": ["none", "constant", "linear", "exponential"]
        },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "continue_on_child_failure": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// experimentSchemaJSON validates an experiment config before the workflow
// accepts it.
const experimentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://chainrun.dev/schemas/experiment.json",
  "type": "object",
  "required": ["experiment_uuid", "workspace_id", "document_uuid", "commit_uuid", "rows"],
  "properties": {
    "experiment_uuid": { "type": "string", "minLength": 1 },
    "workspace_id": { "type": "integer", "minimum": 1 },
    "project_id": { "type": "integer" },
    "document_uuid": { "type": "string", "minLength": 1 },
    "commit_uuid": { "type": "string", "minLength": 1 },
    "rows": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["index"],
        "properties": {
          "index": { "type": "integer", "minimum": 0 },
          "parameters": { "type": "object" }
        },
        "additionalProperties": false
      }
    },
    "evaluations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["uuid", "expression"],
        "properties": {
          "uuid": { "type": "string", "minLength": 1 },
          "name": { "type": "string" },
          "expression": { "type": "string", "minLength": 1 },
          "extract": {
            "type": "object",
            "additionalProperties": { "type": "string" }
          },
          "pass_threshold": { "type": "number" }
        },
        "additionalProperties": false
      }
    },
    "simulation": {
      "type": "object",
      "required": ["max_turns"],
      "properties": {
        "max_turns": { "type": "integer", "minimum": 1 },
        "policy": { "type": "string" }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

// Validator checks flow step lists and experiment configs against their JSON
// Schemas plus the structural rules schemas cannot express. Safe for
// concurrent use.
type Validator struct {
	stepsSchema      *jsonschema.Schema
	experimentSchema *jsonschema.Schema
}

// NewValidator pre-compiles the embedded schemas.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	steps, err := compileResource(c, "https://chainrun.dev/schemas/steps.json", stepsSchemaJSON)
	if err != nil {
		return nil, err
	}
	experiment, err := compileResource(c, "https://chainrun.dev/schemas/experiment.json", experimentSchemaJSON)
	if err != nil {
		return nil, err
	}

	return &Validator{stepsSchema: steps, experimentSchema: experiment}, nil
}

func compileResource(c *jsonschema.Compiler, url, source string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
	}
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", url, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", url, err)
	}
	return compiled, nil
}

// ValidateSteps checks a flow's step list. Structural rule on top of the
// schema: the final position must hold exactly one step.
func (v *Validator) ValidateSteps(steps []schema.StepGroup) error {
	if len(steps) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "flow requires at least one step")
	}

	doc, err := toJSONValue(steps)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize steps").WithCause(err)
	}
	if err := v.stepsSchema.Validate(doc); err != nil {
		return toRunError(err)
	}

	if len(steps[len(steps)-1]) != 1 {
		return schema.NewError(schema.ErrCodeValidation,
			"final step cannot be a parallel group")
	}
	return nil
}

// ValidateExperiment checks an experiment config. Structural rules on top of
// the schema: row indexes and evaluation uuids must be unique.
func (v *Validator) ValidateExperiment(config *schema.ExperimentConfig) error {
	if config == nil {
		return schema.NewError(schema.ErrCodeValidation, "experiment config is nil")
	}

	doc, err := toJSONValue(config)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize experiment config").WithCause(err)
	}
	if err := v.experimentSchema.Validate(doc); err != nil {
		return toRunError(err)
	}

	seenRows := make(map[int]struct{}, len(config.Rows))
	for _, row := range config.Rows {
		if _, exists := seenRows[row.Index]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate row index %d", row.Index)
		}
		seenRows[row.Index] = struct{}{}
	}

	seenEvals := make(map[string]struct{}, len(config.Evaluations))
	for _, eval := range config.Evaluations {
		if _, exists := seenEvals[eval.UUID]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate evaluation %q", eval.UUID)
		}
		seenEvals[eval.UUID] = struct{}{}
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toRunError flattens a jsonschema.ValidationError tree into a RunError with
// one message per leaf violation.
func toRunError(err error) *schema.RunError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
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
		return schema.NewErrorf(schema.ErrCodeValidation,
			"validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

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
