package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cascadehq/cascade/pkg/schema"
)

// ActionLookup answers whether an action name is registered. The action
// registry satisfies this; nil skips action existence checks.
type ActionLookup interface {
	Has(name string) bool
}

// ExpressionChecker compiles an expression without evaluating it. The CEL
// engine satisfies this for condition and trigger-filter expressions.
type ExpressionChecker interface {
	Check(expression string) error
}

// validateSemantic performs per-step semantic analysis: expressions
// compile, referenced actions exist, template delimiters balance, retry
// durations parse, and llm output schemas are themselves valid schemas.
func validateSemantic(def *schema.WorkflowDefinition, deps semanticDeps) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	for i := range def.Steps {
		step := &def.Steps[i]

		checkTemplateDelimiters(step, result)

		switch step.Type {
		case schema.StepTypeTrigger:
			validateTriggerStep(step, deps, result)
		case schema.StepTypeCondition:
			validateConditionStep(step, deps, result)
		case schema.StepTypeAction:
			validateActionStep(step, deps, result)
		case schema.StepTypeLoop:
			validateLoopStep(step, result)
		case schema.StepTypeLLM:
			validateLLMStep(step, deps, result)
		case schema.StepTypeSetVariables:
			validateSetVariablesStep(step, result)
		}
	}

	return result
}

type semanticDeps struct {
	actions    ActionLookup
	conditions ExpressionChecker
	schemas    *JSONSchemaValidator
}

func validateTriggerStep(step *schema.StepDefinition, deps semanticDeps, result *schema.ValidationResult) {
	params, err := decodeParams[schema.TriggerParams](step.Params)
	if err != nil {
		return
	}
	if params.Filter != "" && deps.conditions != nil {
		if err := deps.conditions.Check(params.Filter); err != nil {
			result.AddError(step.Slug, "params/filter", schema.ErrCodeValidation,
				"trigger filter does not compile: "+err.Error())
		}
	}
}

func validateConditionStep(step *schema.StepDefinition, deps semanticDeps, result *schema.ValidationResult) {
	params, err := decodeParams[schema.ConditionParams](step.Params)
	if err != nil {
		return
	}
	if params.Expression != "" && deps.conditions != nil {
		if err := deps.conditions.Check(params.Expression); err != nil {
			result.AddError(step.Slug, "params/expression", schema.ErrCodeValidation,
				"condition expression does not compile: "+err.Error())
		}
	}
}

func validateActionStep(step *schema.StepDefinition, deps semanticDeps, result *schema.ValidationResult) {
	params, err := decodeParams[schema.ActionParams](step.Params)
	if err != nil {
		return
	}

	if params.Action != "" && deps.actions != nil && !deps.actions.Has(params.Action) {
		result.AddError(step.Slug, "params/action", schema.ErrCodeValidation,
			fmt.Sprintf("action %q is not registered", params.Action))
	}

	if params.Retry != nil {
		validateRetryPolicy(step.Slug, params.Retry, result)
	}
}

func validateLoopStep(step *schema.StepDefinition, result *schema.ValidationResult) {
	params, err := decodeParams[schema.LoopParams](step.Params)
	if err != nil {
		return
	}

	// The items source must be a template expression; a literal string can
	// never produce a sequence.
	if params.Items != "" && !strings.Contains(params.Items, "{{") {
		result.AddError(step.Slug, "params/items", schema.ErrCodeValidation,
			"loop items must be a template expression producing a list")
	}

	if params.BatchSize > 0 && params.MaxIterations > 0 && params.BatchSize > params.MaxIterations {
		result.AddWarning(step.Slug, "params/batch_size", schema.ErrCodeValidation,
			"batch_size exceeds max_iterations; the loop completes in a single batch")
	}
}

func validateLLMStep(step *schema.StepDefinition, deps semanticDeps, result *schema.ValidationResult) {
	params, err := decodeParams[schema.LLMParams](step.Params)
	if err != nil {
		return
	}

	if len(params.OutputSchema) > 0 && deps.schemas != nil {
		if err := deps.schemas.CheckSchema(params.OutputSchema); err != nil {
			result.AddError(step.Slug, "params/output_schema", schema.ErrCodeValidation,
				"output_schema is not a valid JSON Schema: "+err.Error())
		}
	}

	if params.MaxAttempts > 10 {
		result.AddWarning(step.Slug, "params/max_attempts", schema.ErrCodeValidation,
			fmt.Sprintf("high attempt count (%d) may cause excessive provider load", params.MaxAttempts))
	}
}

func validateSetVariablesStep(step *schema.StepDefinition, result *schema.ValidationResult) {
	params, err := decodeParams[schema.SetVariablesParams](step.Params)
	if err != nil {
		return
	}
	for name := range params.Variables {
		if name == "" {
			result.AddError(step.Slug, "params/variables", schema.ErrCodeValidation,
				"variable names must be non-empty")
		}
	}
}

func validateRetryPolicy(slug string, retry *schema.RetryPolicy, result *schema.ValidationResult) {
	if retry.Max > 10 {
		result.AddWarning(slug, "params/retry/max", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", retry.Max))
	}
	if retry.Delay != "" {
		if _, err := time.ParseDuration(retry.Delay); err != nil {
			result.AddError(slug, "params/retry/delay", schema.ErrCodeValidation,
				fmt.Sprintf("invalid duration %q", retry.Delay))
		}
	}
	if retry.MaxDelay != "" {
		if _, err := time.ParseDuration(retry.MaxDelay); err != nil {
			result.AddError(slug, "params/retry/max_delay", schema.ErrCodeValidation,
				fmt.Sprintf("invalid duration %q", retry.MaxDelay))
		}
	}
}

// checkTemplateDelimiters walks every string value in a step's params and
// rejects unbalanced or nested {{ }} pairs so a bad template fails at
// validation instead of mid-run.
func checkTemplateDelimiters(step *schema.StepDefinition, result *schema.ValidationResult) {
	if len(step.Params) == 0 {
		return
	}

	var decoded any
	if err := json.Unmarshal(step.Params, &decoded); err != nil {
		return // schema stage reports malformed JSON
	}

	walkStrings(decoded, func(s string) {
		if msg := delimiterProblem(s); msg != "" {
			result.AddError(step.Slug, "params", schema.ErrCodeValidation,
				fmt.Sprintf("%s in %q", msg, s))
		}
	})
}

func walkStrings(v any, fn func(string)) {
	switch val := v.(type) {
	case string:
		fn(val)
	case map[string]any:
		for _, item := range val {
			walkStrings(item, fn)
		}
	case []any:
		for _, item := range val {
			walkStrings(item, fn)
		}
	}
}

func delimiterProblem(s string) string {
	depth := 0
	for i := 0; i+1 < len(s); i++ {
		switch s[i : i+2] {
		case "{{":
			depth++
			if depth > 1 {
				return "nested template expressions are not allowed"
			}
			i++
		case "}}":
			depth--
			if depth < 0 {
				return "unbalanced template delimiters: }} without matching {{"
			}
			i++
		}
	}
	if depth != 0 {
		return "unbalanced template delimiters: {{ without matching }}"
	}
	return ""
}

// decodeParams unmarshals a step's raw params into the typed payload for
// its step type. Malformed JSON is reported by the schema stage, so
// callers skip the step on error.
func decodeParams[T any](raw json.RawMessage) (*T, error) {
	var params T
	if len(raw) == 0 {
		return &params, nil
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	return &params, nil
}
