package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cascadehq/cascade/internal/actions"
	"github.com/cascadehq/cascade/internal/expressions"
	"github.com/cascadehq/cascade/internal/logging"
	"github.com/cascadehq/cascade/internal/store"
	"github.com/cascadehq/cascade/internal/validation"
	"github.com/cascadehq/cascade/pkg/schema"
)

// DefaultLLMAttempts bounds structured-output retries when a step does not
// set max_attempts.
const DefaultLLMAttempts = 3

// CompletionCallback is invoked exactly once when an execution reaches a
// terminal status. It must not block; slow consumers should hand off.
type CompletionCallback func(ctx context.Context, result *schema.CompletionResult)

// StepResult is the outcome of an out-of-band step delivered back to the
// engine through Resume.
type StepResult struct {
	StepSlug string               `json:"step_slug"`
	Attempt  int                  `json:"attempt"`
	Output   json.RawMessage      `json:"output,omitempty"`
	Err      *schema.CascadeError `json:"error,omitempty"`
}

// Engine interprets workflow definitions step by step. All state lives on
// the execution record: scope and cursor are persisted before every step
// boundary, so any engine instance can pick up any execution after a
// suspension or a process restart.
type Engine struct {
	store    store.Store
	actions  actions.ActionRegistry
	resolver *expressions.Resolver
	cel      *expressions.CELEngine
	schemas  *validation.JSONSchemaValidator
	llm      Provider
	tasks    TaskScheduler
	onDone   CompletionCallback
	logger   *slog.Logger
}

// New creates an Engine. llm may be nil when no definition uses llm steps;
// onDone may be nil.
func New(st store.Store, registry actions.ActionRegistry, llm Provider, tasks TaskScheduler, onDone CompletionCallback, logger *slog.Logger) (*Engine, error) {
	if st == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "store is nil")
	}
	if registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "action registry is nil")
	}
	if tasks == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "task scheduler is nil")
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	schemas, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		actions:  registry,
		resolver: expressions.NewResolver(),
		cel:      cel,
		schemas:  schemas,
		llm:      llm,
		tasks:    tasks,
		onDone:   onDone,
		logger:   logger,
	}, nil
}

// Start creates and runs a new execution of an active definition. The
// returned id is valid even when the run fails later; failures are
// persisted on the execution, not returned here.
func (e *Engine) Start(ctx context.Context, orgID, definitionID string, input map[string]any, triggeredBy schema.TriggeredBy) (string, error) {
	def, err := e.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return "", err
	}
	if def.OrgID != orgID {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "definition not found: %s", definitionID)
	}
	if def.Status != schema.DefinitionStatusActive {
		return "", schema.NewErrorf(schema.ErrCodeConflict, "definition %s is %s, not active", definitionID, def.Status)
	}

	prog, err := newProgram(def)
	if err != nil {
		return "", err
	}

	execID := uuid.NewString()
	ctx = logging.WithIDs(ctx, execID, "", orgID)
	now := time.Now().UTC()
	scope := expressions.NewScope(input, def.Variables,
		map[string]any{"id": orgID},
		map[string]any{
			"id":            execID,
			"definition_id": def.ID,
			"started_at":    now.Format(time.RFC3339Nano),
			"triggered_by":  string(triggeredBy),
		})

	scopeRaw, err := scope.Marshal()
	if err != nil {
		return "", err
	}
	cursorRaw, err := json.Marshal(&schema.Cursor{CurrentSlug: prog.first()})
	if err != nil {
		return "", schema.NewError(schema.ErrCodeExecution, "marshal cursor").WithCause(err)
	}

	exec := &store.Execution{
		ID:           execID,
		OrgID:        orgID,
		DefinitionID: def.ID,
		Status:       schema.ExecutionStatusPending,
		TriggeredBy:  triggeredBy,
		Cursor:       cursorRaw,
		Scope:        scopeRaw,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return "", err
	}

	running := schema.ExecutionStatusRunning
	if err := e.store.UpdateExecution(ctx, execID, store.ExecutionUpdate{
		Status:    &running,
		StartedAt: &now,
	}); err != nil {
		return execID, err
	}

	return execID, e.drive(ctx, prog, execID)
}

// PrepareScheduled builds the execution record for a schedule fire. The
// caller persists it through the store's exactly-once CAS and then hands
// it to RunPending.
func (e *Engine) PrepareScheduled(def *schema.WorkflowDefinition, firedAt time.Time) (*store.Execution, error) {
	prog, err := newProgram(def)
	if err != nil {
		return nil, err
	}

	execID := uuid.NewString()
	scope := expressions.NewScope(
		map[string]any{"fired_at": firedAt.UTC().Format(time.RFC3339)},
		def.Variables,
		map[string]any{"id": def.OrgID},
		map[string]any{
			"id":            execID,
			"definition_id": def.ID,
			"triggered_by":  string(schema.TriggeredBySchedule),
		})

	scopeRaw, err := scope.Marshal()
	if err != nil {
		return nil, err
	}
	cursorRaw, err := json.Marshal(&schema.Cursor{CurrentSlug: prog.first()})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "marshal cursor").WithCause(err)
	}

	return &store.Execution{
		ID:           execID,
		OrgID:        def.OrgID,
		DefinitionID: def.ID,
		Status:       schema.ExecutionStatusPending,
		TriggeredBy:  schema.TriggeredBySchedule,
		Cursor:       cursorRaw,
		Scope:        scopeRaw,
	}, nil
}

// RunPending transitions a pre-created execution to running and drives it.
// Safe against double delivery: a second call sees the execution past
// pending and returns without effect.
func (e *Engine) RunPending(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != schema.ExecutionStatusPending {
		return nil
	}

	prog, err := e.loadProgram(ctx, exec.DefinitionID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	running := schema.ExecutionStatusRunning
	if err := e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:    &running,
		StartedAt: &now,
	}); err != nil {
		return err
	}
	return e.drive(ctx, prog, executionID)
}

// Resume delivers the outcome of an out-of-band step and continues the
// run. Duplicate deliveries for the same (step, attempt) are no-ops via
// the journal; results for terminal executions are discarded.
func (e *Engine) Resume(ctx context.Context, executionID string, result *StepResult) error {
	if result == nil || result.StepSlug == "" {
		return schema.NewError(schema.ErrCodeValidation, "step result is empty")
	}
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	ctx = logging.WithIDs(ctx, executionID, result.StepSlug, exec.OrgID)
	if exec.Status.Terminal() {
		e.logger.DebugContext(ctx, "discarding step result for terminal execution", "status", exec.Status)
		return nil
	}

	prog, err := e.loadProgram(ctx, exec.DefinitionID)
	if err != nil {
		return err
	}

	cursor, scope, err := decodeState(exec)
	if err != nil {
		return e.fail(ctx, exec, result.StepSlug, asCascade(err, schema.ErrCodeExecution))
	}
	sc := scope
	if cursor.InLoop() {
		if items, itemsErr := decodeLoopItems(cursor); itemsErr == nil && cursor.LoopIndex < len(items) {
			sc = scope.WithLoop(items[cursor.LoopIndex], cursor.LoopIndex)
		}
	}

	attempt := result.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	kind := schema.JournalStepCompleted
	var errRaw json.RawMessage
	if result.Err != nil {
		kind = schema.JournalStepFailed
		errRaw, _ = json.Marshal(result.Err)
	}
	now := time.Now().UTC()
	inserted, err := e.store.AppendStepRecord(ctx, &store.StepRecord{
		ExecutionID: executionID,
		StepSlug:    result.StepSlug,
		Attempt:     attempt,
		Kind:        kind,
		Inputs:      sc.InputSnapshot(),
		Outputs:     result.Output,
		Error:       errRaw,
		StartedAt:   now,
		FinishedAt:  &now,
	})
	if err != nil {
		return err
	}
	if !inserted {
		e.logger.DebugContext(ctx, "duplicate continuation delivery ignored", "attempt", attempt)
		return nil
	}

	if result.Err != nil {
		return e.fail(ctx, exec, result.StepSlug, result.Err)
	}

	current, err := prog.current(cursor)
	if err != nil || current.Slug != result.StepSlug {
		e.logger.WarnContext(ctx, "stale step result ignored")
		return nil
	}

	var output any
	if len(result.Output) > 0 {
		if err := json.Unmarshal(result.Output, &output); err != nil {
			return e.fail(ctx, exec, result.StepSlug,
				schema.NewError(schema.ErrCodeExecution, "malformed step output").WithCause(err))
		}
	}
	scope.SetStepOutput(result.StepSlug, output)

	wasLoop := cursor.LoopSlug
	iterations := 0
	batchExhausted, err := e.advanceCursor(prog, cursor, scope, current.Next, output, &iterations)
	if err != nil {
		return e.fail(ctx, exec, result.StepSlug, asCascade(err, schema.ErrCodeExecution))
	}
	if wasLoop != "" && !cursor.InLoop() {
		e.journal(ctx, executionID, wasLoop, 1, schema.JournalStepCompleted, scope.InputSnapshot(), scope.Steps[wasLoop], nil)
	}

	if batchExhausted {
		if err := e.persistState(ctx, executionID, cursor, scope, true, uuid.NewString()); err != nil {
			return err
		}
		return e.tasks.Enqueue(ctx, Continuation{
			ExecutionID: executionID,
			StepSlug:    cursor.LoopSlug,
			Attempt:     cursor.LoopIndex + 1,
			Kind:        "loop",
		})
	}

	if err := e.persistState(ctx, executionID, cursor, scope, false, ""); err != nil {
		return err
	}
	return e.drive(ctx, prog, executionID)
}

// Cancel requests cooperative termination. The status flips immediately;
// any in-flight step result is discarded when it arrives at the boundary.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	ctx = logging.WithIDs(ctx, executionID, "", exec.OrgID)
	if !schema.CanTransition(exec.Status, schema.ExecutionStatusCancelled) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot cancel execution in status %s", exec.Status)
	}

	now := time.Now().UTC()
	cancelled := schema.ExecutionStatusCancelled
	waiting := false
	if err := e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:      &cancelled,
		Waiting:     &waiting,
		CompletedAt: &now,
	}); err != nil {
		return err
	}

	e.notify(ctx, &schema.CompletionResult{
		ExecutionID: executionID,
		OrgID:       exec.OrgID,
		Status:      schema.ExecutionStatusCancelled,
	})
	return nil
}

// Status returns a snapshot of an execution.
func (e *Engine) Status(ctx context.Context, executionID string) (*schema.ExecutionState, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	state := &schema.ExecutionState{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Waiting:     exec.Waiting,
		StartedAt:   exec.StartedAt,
		FinishedAt:  exec.CompletedAt,
	}
	if len(exec.Cursor) > 0 {
		cursor := &schema.Cursor{}
		if err := json.Unmarshal(exec.Cursor, cursor); err == nil {
			state.CurrentStep = cursor.CurrentSlug
		}
	}
	if len(exec.Error) > 0 {
		cascErr := &schema.CascadeError{}
		if err := json.Unmarshal(exec.Error, cascErr); err == nil {
			state.Error = cascErr
		}
	}
	return state, nil
}

// HandleContinuation is the TaskScheduler handler: it executes the
// deferred step and feeds the result back through Resume.
func (e *Engine) HandleContinuation(ctx context.Context, c Continuation) {
	ctx = logging.WithExecutionID(ctx, c.ExecutionID)
	ctx = logging.WithStepSlug(ctx, c.StepSlug)
	if err := e.runContinuation(ctx, c); err != nil {
		e.logger.ErrorContext(ctx, "continuation failed", "kind", c.Kind, "error", err)
	}
}

func (e *Engine) runContinuation(ctx context.Context, c Continuation) error {
	exec, err := e.store.GetExecution(ctx, c.ExecutionID)
	if err != nil {
		return err
	}
	ctx = logging.WithOrgID(ctx, exec.OrgID)
	if exec.Status.Terminal() {
		return nil
	}
	if !exec.Waiting {
		// Already resumed by an earlier delivery.
		return nil
	}

	prog, err := e.loadProgram(ctx, exec.DefinitionID)
	if err != nil {
		return err
	}

	if c.Kind == "loop" {
		if err := e.persistWaiting(ctx, exec.ID, false, ""); err != nil {
			return err
		}
		return e.drive(ctx, prog, exec.ID)
	}

	cursor, scope, err := decodeState(exec)
	if err != nil {
		return e.fail(ctx, exec, c.StepSlug, asCascade(err, schema.ErrCodeExecution))
	}
	step, err := prog.current(cursor)
	if err != nil || step.Slug != c.StepSlug {
		return nil
	}
	sc := scope
	if cursor.InLoop() {
		items, itemsErr := decodeLoopItems(cursor)
		if itemsErr != nil {
			return e.fail(ctx, exec, c.StepSlug, asCascade(itemsErr, schema.ErrCodeExecution))
		}
		if cursor.LoopIndex < len(items) {
			sc = scope.WithLoop(items[cursor.LoopIndex], cursor.LoopIndex)
		}
	}

	result := &StepResult{StepSlug: c.StepSlug, Attempt: c.Attempt}
	var output any
	switch c.Kind {
	case "llm":
		output, err = e.invokeLLM(ctx, step, sc)
	default:
		output, err = e.invokeAction(ctx, prog, exec, step, sc)
	}
	if err != nil {
		result.Err = asCascade(err, schema.ErrCodeActionInvocation)
	} else {
		raw, marshalErr := json.Marshal(output)
		if marshalErr != nil {
			result.Err = schema.NewError(schema.ErrCodeExecution, "marshal step output").WithCause(marshalErr)
		} else {
			result.Output = raw
		}
	}
	return e.Resume(ctx, c.ExecutionID, result)
}

// --- terminal transitions ---

func (e *Engine) complete(ctx context.Context, exec *store.Execution, scope *expressions.Scope) error {
	output, err := json.Marshal(map[string]any{
		"vars":  scope.Vars,
		"steps": scope.Steps,
	})
	if err != nil {
		return schema.NewError(schema.ErrCodeExecution, "marshal execution output").WithCause(err)
	}

	now := time.Now().UTC()
	completed := schema.ExecutionStatusCompleted
	waiting := false
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:      &completed,
		Output:      output,
		Waiting:     &waiting,
		CompletedAt: &now,
	}); err != nil {
		return err
	}

	e.notify(ctx, &schema.CompletionResult{
		ExecutionID: exec.ID,
		OrgID:       exec.OrgID,
		Status:      schema.ExecutionStatusCompleted,
		Output:      output,
	})
	return nil
}

// completeSkipped ends a run whose trigger filter did not match. The run
// counts as completed, not failed.
func (e *Engine) completeSkipped(ctx context.Context, exec *store.Execution) error {
	output := json.RawMessage(`{"skipped":true}`)
	now := time.Now().UTC()
	completed := schema.ExecutionStatusCompleted
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:      &completed,
		Output:      output,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	e.notify(ctx, &schema.CompletionResult{
		ExecutionID: exec.ID,
		OrgID:       exec.OrgID,
		Status:      schema.ExecutionStatusCompleted,
		Output:      output,
	})
	return nil
}

func (e *Engine) fail(ctx context.Context, exec *store.Execution, slug string, cascErr *schema.CascadeError) error {
	if slug != "" && cascErr.StepSlug == "" {
		cascErr = cascErr.WithStep(slug)
	}
	errRaw, _ := json.Marshal(cascErr)

	now := time.Now().UTC()
	failed := schema.ExecutionStatusFailed
	waiting := false
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:      &failed,
		Error:       errRaw,
		Waiting:     &waiting,
		CompletedAt: &now,
	}); err != nil {
		return err
	}

	e.logger.WarnContext(ctx, "execution failed",
		"step", slug, "code", cascErr.Code, "error", cascErr.Message)

	e.notify(ctx, &schema.CompletionResult{
		ExecutionID: exec.ID,
		OrgID:       exec.OrgID,
		Status:      schema.ExecutionStatusFailed,
		Error:       cascErr,
	})
	return nil
}

func (e *Engine) notify(ctx context.Context, result *schema.CompletionResult) {
	if e.onDone != nil {
		e.onDone(ctx, result)
	}
}

// --- persistence helpers ---

func (e *Engine) loadProgram(ctx context.Context, definitionID string) (*program, error) {
	def, err := e.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	return newProgram(def)
}

func (e *Engine) persistState(ctx context.Context, executionID string, cursor *schema.Cursor, scope *expressions.Scope, waiting bool, taskHandle string) error {
	cursorRaw, err := json.Marshal(cursor)
	if err != nil {
		return schema.NewError(schema.ErrCodeExecution, "marshal cursor").WithCause(err)
	}
	scopeRaw, err := scope.Marshal()
	if err != nil {
		return err
	}
	return e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Cursor:     cursorRaw,
		Scope:      scopeRaw,
		Waiting:    &waiting,
		TaskHandle: &taskHandle,
	})
}

func (e *Engine) persistWaiting(ctx context.Context, executionID string, waiting bool, taskHandle string) error {
	return e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Waiting:    &waiting,
		TaskHandle: &taskHandle,
	})
}

func decodeState(exec *store.Execution) (*schema.Cursor, *expressions.Scope, error) {
	cursor := &schema.Cursor{}
	if len(exec.Cursor) > 0 {
		if err := json.Unmarshal(exec.Cursor, cursor); err != nil {
			return nil, nil, schema.NewError(schema.ErrCodeExecution, "unmarshal cursor").WithCause(err)
		}
	}
	scope, err := expressions.UnmarshalScope(exec.Scope)
	if err != nil {
		return nil, nil, err
	}
	return cursor, scope, nil
}

func decodeLoopItems(cursor *schema.Cursor) ([]any, error) {
	var items []any
	if len(cursor.LoopItems) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(cursor.LoopItems, &items); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "unmarshal loop items").WithCause(err)
	}
	return items, nil
}

func asCascade(err error, fallbackCode string) *schema.CascadeError {
	if err == nil {
		return nil
	}
	var cascErr *schema.CascadeError
	if errors.As(err, &cascErr) {
		return cascErr
	}
	return schema.NewError(fallbackCode, err.Error()).WithCause(err)
}
