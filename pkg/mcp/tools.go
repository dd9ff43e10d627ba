package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/cascadehq/cascade/pkg/schema"
)

// handleStart runs an active definition with the given trigger input.
func (s *CascadeServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	definitionID := req.GetString("definition_id", "")
	if definitionID == "" {
		rootVersionID := req.GetString("root_version_id", "")
		if rootVersionID == "" {
			return mcp.NewToolResultError("definition_id or root_version_id is required"), nil
		}
		def, defErr := s.store.GetActiveDefinition(ctx, orgID, rootVersionID)
		if defErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("no active version for %s: %v", rootVersionID, defErr)), nil
		}
		definitionID = def.ID
	}
	input := mcp.ParseStringMap(req, "input", nil)

	// Capture session mapping for completion notifications.
	s.captureSession(ctx, orgID)

	runCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	execID, startErr := s.runner.Start(runCtx, orgID, definitionID, input, schema.TriggeredByManual)
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", startErr)), nil
	}

	state, stateErr := s.runner.Status(ctx, execID)
	if stateErr != nil {
		return marshalResult(map[string]any{"execution_id": execID})
	}
	return marshalResult(state)
}

// handleStatus returns the current state of an execution.
func (s *CascadeServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	state, statusErr := s.runner.Status(ctx, executionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	records, recErr := s.store.ListStepRecords(ctx, executionID)
	if recErr != nil {
		s.logger.WarnContext(ctx, "step history unavailable", "execution_id", executionID, "error", recErr)
		return marshalResult(state)
	}
	steps := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		steps = append(steps, map[string]any{
			"step_slug": rec.StepSlug,
			"attempt":   rec.Attempt,
			"kind":      rec.Kind,
			"inputs":    rec.Inputs,
			"outputs":   rec.Outputs,
			"error":     rec.Error,
		})
	}
	return marshalResult(map[string]any{"execution": state, "steps": steps})
}

// handleCancel cancels a non-terminal execution.
func (s *CascadeServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if cancelErr := s.runner.Cancel(ctx, executionID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{
		"execution_id": executionID,
		"status":       string(schema.ExecutionStatusCancelled),
	})
}

// handleValidate checks a definition and reports every issue found.
func (s *CascadeServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, derr := parseDefinition(req)
	if derr != nil {
		return mcp.NewToolResultError(derr.Error()), nil
	}

	result := s.validator.Validate(def)
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// handleDefine registers a definition as a draft, optionally activating it.
func (s *CascadeServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	def, derr := parseDefinition(req)
	if derr != nil {
		return mcp.NewToolResultError(derr.Error()), nil
	}

	def.OrgID = orgID
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.RootVersionID == "" {
		def.RootVersionID = def.ID
	}
	if def.Version == 0 {
		def.Version = 1
	}
	def.Status = schema.DefinitionStatusDraft

	result := s.validator.Validate(def)
	if !result.Valid() {
		return marshalResult(map[string]any{
			"registered": false,
			"errors":     result.Errors,
			"warnings":   result.Warnings,
		})
	}

	if createErr := s.store.CreateDefinition(ctx, def); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store definition: %v", createErr)), nil
	}

	activated := false
	if req.GetBool("activate", false) {
		if actErr := s.store.ActivateDefinition(ctx, def.ID); actErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("registered as draft but activation failed: %v", actErr)), nil
		}
		activated = true
	}

	return marshalResult(map[string]any{
		"registered":      true,
		"definition_id":   def.ID,
		"root_version_id": def.RootVersionID,
		"version":         def.Version,
		"activated":       activated,
		"warnings":        result.Warnings,
	})
}

// --- Internal helpers ---

func parseDefinition(req mcp.CallToolRequest) (*schema.WorkflowDefinition, error) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return nil, fmt.Errorf("definition is required")
	}

	// Round-trip through JSON to get a typed WorkflowDefinition.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid definition: %v", err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("invalid definition: %v", err)
	}
	return &def, nil
}

// captureSession maps the org to its current MCP session for notifications.
func (s *CascadeServer) captureSession(ctx context.Context, orgID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(orgID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
