package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/cascadehq/cascade/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://cascade.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "id": { "type": "string" },
    "org_id": { "type": "string" },
    "name": {
      "type": "string",
      "minLength": 1
    },
    "status": {
      "type": "string",
      "enum": ["draft", "active", "archived"]
    },
    "root_version_id": { "type": "string" },
    "version": {
      "type": "integer",
      "minimum": 1
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "variables": {
      "type": "object"
    },
    "cron_expression": { "type": "string" },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["slug", "type"],
      "properties": {
        "slug": {
          "type": "string",
          "minLength": 1,
          "pattern": "^[a-z][a-z0-9_]*$"
        },
        "type": {
          "type": "string",
          "enum": ["trigger", "condition", "action", "loop", "llm", "set_variables"]
        },
        "position": {
          "type": "integer",
          "minimum": 0
        },
        "next": { "type": "string" },
        "branches": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "params": {}
      },
      "additionalProperties": false
    }
  }
}`

// stepParamSchemas holds the per-type JSON Schema for step params. A step's
// params must validate against the schema for its declared type.
var stepParamSchemas = map[schema.StepType]string{
	schema.StepTypeTrigger: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "filter": { "type": "string" }
  },
  "additionalProperties": false
}`,
	schema.StepTypeCondition: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["expression"],
  "properties": {
    "expression": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`,
	schema.StepTypeAction: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": { "type": "string", "minLength": 1 },
    "inputs": {},
    "async": { "type": "boolean" },
    "lenient": { "type": "boolean" },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": { "type": "integer", "minimum": 0 },
        "backoff": { "type": "string", "enum": ["none", "constant", "linear", "exponential"] },
        "delay": { "type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$" },
        "max_delay": { "type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$" }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`,
	schema.StepTypeLoop: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["items", "body"],
  "properties": {
    "items": { "type": "string", "minLength": 1 },
    "body": {
      "type": "array",
      "minItems": 1,
      "items": { "type": "string", "minLength": 1 }
    },
    "collect": { "type": "string" },
    "max_iterations": { "type": "integer", "minimum": 1 },
    "batch_size": { "type": "integer", "minimum": 1 }
  },
  "additionalProperties": false
}`,
	schema.StepTypeLLM: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["prompt_template"],
  "properties": {
    "prompt_template": { "type": "string", "minLength": 1 },
    "output_schema": { "type": "object" },
    "max_attempts": { "type": "integer", "minimum": 1 }
  },
  "additionalProperties": false
}`,
	schema.StepTypeSetVariables: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["variables"],
  "properties": {
    "variables": { "type": "object", "minProperties": 1 }
  },
  "additionalProperties": false
}`,
}

// JSONSchemaValidator validates definitions, per-type step params, and
// dynamic payloads (trigger input, llm output) using JSON Schema Draft
// 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
	paramSchemas   map[schema.StepType]*jsonschema.Schema

	// mu guards the cache for dynamically compiled payload schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the workflow schema and
// all per-type param schemas pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	wfSchema, err := compileConst("https://cascade.dev/schemas/workflow.json", workflowSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	params := make(map[schema.StepType]*jsonschema.Schema, len(stepParamSchemas))
	for stepType, src := range stepParamSchemas {
		url := fmt.Sprintf("https://cascade.dev/schemas/params/%s.json", stepType)
		compiled, err := compileConst(url, src)
		if err != nil {
			return nil, fmt.Errorf("compile %s param schema: %w", stepType, err)
		}
		params[stepType] = compiled
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		paramSchemas:   params,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a definition's shape against the workflow
// schema, then each step's params against the schema for its type. All
// violations are collected; nothing short-circuits at the first problem.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("", "/", schema.ErrCodeValidation, "cannot serialize workflow definition: "+err.Error())
		return result
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		for _, violation := range violationsOf(err) {
			result.AddError("", violation.loc, schema.ErrCodeValidation, violation.msg)
		}
	}

	for _, step := range def.Steps {
		v.validateStepParams(&step, result)
	}

	return result
}

// validateStepParams checks one step's params payload against the schema
// for the step's declared type.
func (v *JSONSchemaValidator) validateStepParams(step *schema.StepDefinition, result *schema.ValidationResult) {
	paramSchema, ok := v.paramSchemas[step.Type]
	if !ok {
		// Unknown type is already reported by the workflow schema.
		return
	}

	var params any = map[string]any{}
	if len(step.Params) > 0 {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(step.Params)))
		if err != nil {
			result.AddError(step.Slug, "params", schema.ErrCodeValidation,
				"params is not valid JSON: "+err.Error())
			return
		}
		params = doc
	}

	if err := paramSchema.Validate(params); err != nil {
		for _, violation := range violationsOf(err) {
			result.AddError(step.Slug, "params"+violation.loc, schema.ErrCodeValidation, violation.msg)
		}
	}
}

// ValidatePayload validates arbitrary data against a JSON Schema provided
// as raw bytes. Backs trigger-input and llm-output checking. The schema is
// compiled once and cached for subsequent calls.
func (v *JSONSchemaValidator) ValidatePayload(payload any, schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid payload schema").WithCause(err)
	}

	doc, err := toJSONValue(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "cannot serialize payload").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		violations := violationsOf(err)
		msgs := make([]string, len(violations))
		for i, violation := range violations {
			msgs[i] = violation.loc + ": " + violation.msg
		}
		return schema.NewErrorf(schema.ErrCodeValidation,
			"payload failed schema validation with %d violations", len(msgs)).
			WithDetails(map[string]any{"violations": msgs}).
			WithCause(err)
	}

	return nil
}

// CheckSchema verifies that raw bytes are themselves a compilable JSON
// Schema. Used to reject bad llm output_schema declarations at validation
// time instead of at the first execution.
func (v *JSONSchemaValidator) CheckSchema(schemaBytes []byte) error {
	_, err := v.getOrCompile(schemaBytes)
	return err
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid compiler collisions.
	url := fmt.Sprintf("cascade://payload-schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
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

func compileConst(url, src string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add resource: %w", err)
	}
	return c.Compile(url)
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

type violation struct {
	loc string
	msg string
}

// violationsOf walks a ValidationError tree and collects leaf messages with
// their instance locations.
func violationsOf(err error) []violation {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []violation{{loc: "/", msg: err.Error()}}
	}
	return collectViolations(verr)
}

func collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{loc: loc, msg: verr.Error()}}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
