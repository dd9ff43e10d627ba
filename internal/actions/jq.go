package actions

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cascadehq/cascade/internal/expressions"
	"github.com/cascadehq/cascade/pkg/schema"
)

const jqInputSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string"},
    "input": {"type": "object"}
  },
  "required": ["query"]
}`

const jqOutputSchema = `{
  "type": "object",
  "properties": {
    "result": {}
  }
}`

// JQAction implements the "data.jq" action for reshaping and aggregating
// data with jq programs.
type JQAction struct {
	engine *expressions.GoJQEngine
}

// NewJQAction creates a new data.jq action backed by the given engine.
func NewJQAction(engine *expressions.GoJQEngine) *JQAction {
	if engine == nil {
		engine = expressions.NewGoJQEngine()
	}
	return &JQAction{engine: engine}
}

func (a *JQAction) Name() string { return "data.jq" }

func (a *JQAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Run a jq program over a JSON document and return the result.",
		InputSchema:  json.RawMessage(jqInputSchema),
		OutputSchema: json.RawMessage(jqOutputSchema),
	}
}

func (a *JQAction) Validate(input map[string]any) error {
	if stringParam(input, "query", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "data.jq: missing required param 'query'")
	}
	return nil
}

func (a *JQAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	query := stringParam(params, "query", "")
	doc := mapParam(params, "input")
	if doc == nil {
		doc = map[string]any{}
	}

	result, err := a.engine.Evaluate(ctx, query, doc)
	if err != nil {
		var cascErr *schema.CascadeError
		if errors.As(err, &cascErr) {
			return nil, cascErr
		}
		return nil, schema.NewErrorf(schema.ErrCodeActionInvocation, "data.jq: evaluation failed").WithCause(err)
	}

	data, err := json.Marshal(map[string]any{"result": result})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionInvocation, "data.jq: failed to marshal output").WithCause(err)
	}
	return &ActionOutput{Data: json.RawMessage(data)}, nil
}
