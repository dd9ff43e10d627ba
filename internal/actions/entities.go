package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cascadehq/cascade/internal/ledger"
	"github.com/cascadehq/cascade/pkg/schema"
)

const defaultClaimBackoff = 24 * time.Hour

const entitiesClaimInputSchema = `{
  "type": "object",
  "properties": {
    "table": {"type": "string"},
    "backoff": {"type": "string"},
    "filter": {"type": "string"}
  },
  "required": ["table"]
}`

const entitiesClaimOutputSchema = `{
  "type": "object",
  "properties": {
    "found": {"type": "boolean"},
    "entity": {
      "type": "object",
      "properties": {
        "id": {"type": "string"},
        "created_at": {"type": "string"},
        "payload": {"type": "object"}
      }
    }
  }
}`

const entitiesMarkInputSchema = `{
  "type": "object",
  "properties": {
    "table": {"type": "string"},
    "entity_id": {"type": "string"},
    "entity_created_at": {"type": "string"},
    "metadata": {"type": "object"}
  },
  "required": ["table", "entity_id"]
}`

// ClaimAction implements the "entities.claim" action. It finds the oldest
// unprocessed entity matching an optional filter and claims it for the
// calling workflow.
type ClaimAction struct {
	ledger *ledger.Ledger
}

// NewClaimAction creates a new entities.claim action.
func NewClaimAction(l *ledger.Ledger) *ClaimAction {
	return &ClaimAction{ledger: l}
}

func (a *ClaimAction) Name() string { return "entities.claim" }

func (a *ClaimAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Claim the oldest unprocessed entity in a table for the calling workflow.",
		InputSchema:  json.RawMessage(entitiesClaimInputSchema),
		OutputSchema: json.RawMessage(entitiesClaimOutputSchema),
	}
}

func (a *ClaimAction) Validate(input map[string]any) error {
	if stringParam(input, "table", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "entities.claim: missing required param 'table'")
	}
	return nil
}

func (a *ClaimAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	org, workflowID, err := callerIdentity(input)
	if err != nil {
		return nil, err
	}

	table := stringParam(params, "table", "")
	backoff := durationParam(params, "backoff", defaultClaimBackoff)
	filter := stringParam(params, "filter", "")

	entity, err := a.ledger.FindUnprocessed(ctx, org, table, workflowID, backoff, filter)
	if err != nil {
		return nil, err
	}

	result := map[string]any{"found": entity != nil}
	if entity != nil {
		var payload map[string]any
		if err := json.Unmarshal(entity.Payload, &payload); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeActionInvocation, "entities.claim: malformed entity payload").WithCause(err)
		}
		result["entity"] = map[string]any{
			"id":         entity.ID,
			"created_at": entity.CreatedAt.UTC().Format(time.RFC3339Nano),
			"payload":    payload,
		}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionInvocation, "entities.claim: failed to marshal output").WithCause(err)
	}
	return &ActionOutput{Data: json.RawMessage(data)}, nil
}

// MarkProcessedAction implements the "entities.mark_processed" action.
// Marking is idempotent: repeated calls for the same entity and workflow
// return the same record id.
type MarkProcessedAction struct {
	ledger *ledger.Ledger
}

// NewMarkProcessedAction creates a new entities.mark_processed action.
func NewMarkProcessedAction(l *ledger.Ledger) *MarkProcessedAction {
	return &MarkProcessedAction{ledger: l}
}

func (a *MarkProcessedAction) Name() string { return "entities.mark_processed" }

func (a *MarkProcessedAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Mark a claimed entity as processed by the calling workflow.",
		InputSchema:  json.RawMessage(entitiesMarkInputSchema),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{"record_id":{"type":"string"}}}`),
	}
}

func (a *MarkProcessedAction) Validate(input map[string]any) error {
	if stringParam(input, "table", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "entities.mark_processed: missing required param 'table'")
	}
	if stringParam(input, "entity_id", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "entities.mark_processed: missing required param 'entity_id'")
	}
	return nil
}

func (a *MarkProcessedAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	org, workflowID, err := callerIdentity(input)
	if err != nil {
		return nil, err
	}

	table := stringParam(params, "table", "")
	entityID := stringParam(params, "entity_id", "")

	createdAt := time.Time{}
	if raw := stringParam(params, "entity_created_at", ""); raw != "" {
		parsed, parseErr := time.Parse(time.RFC3339Nano, raw)
		if parseErr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"entities.mark_processed: invalid entity_created_at %q", raw).WithCause(parseErr)
		}
		createdAt = parsed
	}

	recordID, err := a.ledger.RecordProcessed(ctx, org, table, workflowID, entityID, createdAt, mapParam(params, "metadata"))
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(map[string]any{"record_id": recordID})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionInvocation, "entities.mark_processed: failed to marshal output").WithCause(err)
	}
	return &ActionOutput{Data: json.RawMessage(data)}, nil
}

// callerIdentity extracts org_id and workflow_id from the execution context
// the engine attaches to every action invocation.
func callerIdentity(input ActionInput) (org, workflowID string, err error) {
	org = stringParam(input.Context, "org_id", "")
	workflowID = stringParam(input.Context, "workflow_id", "")
	if org == "" || workflowID == "" {
		return "", "", schema.NewError(schema.ErrCodeActionInvocation,
			"entity actions require org_id and workflow_id in the execution context")
	}
	return org, workflowID, nil
}
