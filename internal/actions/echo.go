package actions

import (
	"context"
	"encoding/json"

	"github.com/cascadehq/cascade/pkg/schema"
)

const echoInputSchema = `{
  "type": "object",
  "properties": {
    "values": {"type": "object"}
  },
  "required": ["values"]
}`

// EchoAction implements the "vars.echo" action. It returns its resolved
// params unchanged, which makes resolved template values addressable as
// step outputs.
type EchoAction struct{}

// NewEchoAction creates a new vars.echo action.
func NewEchoAction() *EchoAction { return &EchoAction{} }

func (a *EchoAction) Name() string { return "vars.echo" }

func (a *EchoAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Return the resolved params unchanged, exposing them as step outputs.",
		InputSchema: json.RawMessage(echoInputSchema),
	}
}

func (a *EchoAction) Validate(input map[string]any) error {
	if mapParam(input, "values") == nil {
		return schema.NewError(schema.ErrCodeValidation, "vars.echo: missing required param 'values'")
	}
	return nil
}

func (a *EchoAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	data, err := json.Marshal(mapParam(params, "values"))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionInvocation, "vars.echo: failed to marshal output").WithCause(err)
	}
	return &ActionOutput{Data: json.RawMessage(data)}, nil
}
