package schema

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is one version of a user-authored automation.
// All versions of a logical workflow share a RootVersionID; at most one
// version per root is active at a time, and only the active version is
// eligible for scheduling.
type WorkflowDefinition struct {
	ID             string           `json:"id"`
	OrgID          string           `json:"org_id"`
	Name           string           `json:"name"`
	Status         DefinitionStatus `json:"status"`
	RootVersionID  string           `json:"root_version_id"`
	Version        int              `json:"version"`
	Steps          []StepDefinition `json:"steps"`
	Variables      map[string]any   `json:"variables,omitempty"` // org-scoped constants, seeded into vars.*
	CronExpression string           `json:"cron_expression,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// DefinitionStatus is the authoring lifecycle state of a definition version.
type DefinitionStatus string

const (
	DefinitionStatusDraft    DefinitionStatus = "draft"
	DefinitionStatusActive   DefinitionStatus = "active"
	DefinitionStatusArchived DefinitionStatus = "archived"
)

// StepDefinition describes a single step in a workflow graph.
// Next names the step that follows; condition steps use Branches instead.
type StepDefinition struct {
	Slug     string            `json:"slug"`
	Type     StepType          `json:"type"`
	Position int               `json:"position"`
	Next     string            `json:"next,omitempty"`
	Branches map[string]string `json:"branches,omitempty"` // branch key -> step slug
	Params   json.RawMessage   `json:"params,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeTrigger      StepType = "trigger"
	StepTypeCondition    StepType = "condition"
	StepTypeAction       StepType = "action"
	StepTypeLoop         StepType = "loop"
	StepTypeLLM          StepType = "llm"
	StepTypeSetVariables StepType = "set_variables"
)

// TriggerParams is the parameter payload for trigger steps.
// Filter is a CEL expression evaluated against the invocation input; a
// non-matching invocation ends the run as a no-op, not a failure.
type TriggerParams struct {
	Filter string `json:"filter,omitempty"`
}

// ConditionParams is the parameter payload for condition steps.
// Expression is a CEL expression; its result (stringified) selects a branch
// from the step's Branches map. A bare boolean maps to "true"/"false".
type ConditionParams struct {
	Expression string `json:"expression"`
}

// ActionParams is the parameter payload for action steps.
type ActionParams struct {
	Action  string          `json:"action"`
	Inputs  json.RawMessage `json:"inputs,omitempty"`  // templated, resolved at execution
	Async   bool            `json:"async,omitempty"`   // suspend the run while the action is in flight
	Lenient bool            `json:"lenient,omitempty"` // unresolved input references become null
	Retry   *RetryPolicy    `json:"retry,omitempty"`
}

// LoopParams is the parameter payload for loop steps.
// Items is a template expression producing an ordered sequence. Body lists
// the slugs executed once per item, in order. Collect names the key under
// which per-iteration outputs accumulate (default "results").
type LoopParams struct {
	Items         string   `json:"items"`
	Body          []string `json:"body"`
	Collect       string   `json:"collect,omitempty"`
	MaxIterations int      `json:"max_iterations,omitempty"`
	BatchSize     int      `json:"batch_size,omitempty"` // iterations per invocation before re-enqueueing
}

// LLMParams is the parameter payload for llm steps.
type LLMParams struct {
	PromptTemplate string          `json:"prompt_template"`
	OutputSchema   json.RawMessage `json:"output_schema,omitempty"`
	MaxAttempts    int             `json:"max_attempts,omitempty"` // retries on malformed output (default 3)
}

// SetVariablesParams is the parameter payload for set_variables steps.
// Values are templated expressions merged into vars.* after resolution.
type SetVariablesParams struct {
	Variables map[string]any `json:"variables"`
}

// RetryPolicy configures retry behavior for an action invocation.
// Retry is a property of the action invocation, never of the engine.
type RetryPolicy struct {
	Max      int    `json:"max"`
	Backoff  string `json:"backoff,omitempty"` // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`
	MaxDelay string `json:"max_delay,omitempty"`
}
