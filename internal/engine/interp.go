package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cascadehq/cascade/internal/actions"
	"github.com/cascadehq/cascade/internal/expressions"
	"github.com/cascadehq/cascade/internal/logging"
	"github.com/cascadehq/cascade/internal/store"
	"github.com/cascadehq/cascade/pkg/schema"
)

// stepOutcome is the result of interpreting one step.
type stepOutcome struct {
	output  any
	next    string
	suspend bool
	skip    bool
	entered bool // loop entry: cursor already repositioned, nothing to record
	handle  string
	cont    Continuation
}

// drive runs the interpreter loop until the execution suspends or reaches
// a terminal status. Scope and cursor are re-read from the store at every
// boundary, so a concurrent Cancel takes effect before the next step.
func (e *Engine) drive(ctx context.Context, prog *program, execID string) error {
	ctx = logging.WithExecutionID(ctx, execID)
	iterations := 0
	for {
		exec, err := e.store.GetExecution(ctx, execID)
		if err != nil {
			return err
		}
		if exec.Status.Terminal() || exec.Waiting {
			return nil
		}
		if exec.Status != schema.ExecutionStatusRunning {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"execution %s is %s, not running", execID, exec.Status)
		}

		cursor, scope, err := decodeState(exec)
		if err != nil {
			return e.fail(ctx, exec, "", asCascade(err, schema.ErrCodeExecution))
		}
		if !cursor.InLoop() && cursor.CurrentSlug == "" {
			return e.complete(ctx, exec, scope)
		}

		step, err := prog.current(cursor)
		if err != nil {
			return e.fail(ctx, exec, cursor.CurrentSlug, asCascade(err, schema.ErrCodeExecution))
		}

		sctx := logging.WithStepSlug(logging.WithOrgID(ctx, exec.OrgID), step.Slug)

		sc := scope
		attempt := 1
		if cursor.InLoop() {
			items, itemsErr := decodeLoopItems(cursor)
			if itemsErr != nil {
				return e.fail(ctx, exec, step.Slug, asCascade(itemsErr, schema.ErrCodeExecution))
			}
			if cursor.LoopIndex >= len(items) {
				return e.fail(ctx, exec, step.Slug, schema.NewErrorf(schema.ErrCodeExecution,
					"loop index %d out of range", cursor.LoopIndex))
			}
			sc = scope.WithLoop(items[cursor.LoopIndex], cursor.LoopIndex)
			attempt = cursor.LoopIndex + 1
		}

		outcome, stepErr := e.runStep(sctx, prog, exec, cursor, step, sc, attempt)
		if stepErr != nil {
			cascErr := asCascade(stepErr, schema.ErrCodeExecution)
			e.journal(sctx, execID, step.Slug, attempt, schema.JournalStepFailed, sc.InputSnapshot(), nil, cascErr)
			return e.fail(sctx, exec, step.Slug, cascErr)
		}

		if outcome.skip {
			e.journal(sctx, execID, step.Slug, attempt, schema.JournalStepSkipped, sc.InputSnapshot(), nil, nil)
			return e.completeSkipped(sctx, exec)
		}

		if outcome.suspend {
			if err := e.persistState(ctx, execID, cursor, scope, true, outcome.handle); err != nil {
				return err
			}
			return e.tasks.Enqueue(ctx, outcome.cont)
		}

		if outcome.entered {
			if err := e.persistState(ctx, execID, cursor, scope, false, ""); err != nil {
				return err
			}
			continue
		}

		scope.SetStepOutput(step.Slug, outcome.output)
		e.journal(sctx, execID, step.Slug, attempt, schema.JournalStepCompleted, sc.InputSnapshot(), outcome.output, nil)

		wasLoop := cursor.LoopSlug
		batchExhausted, err := e.advanceCursor(prog, cursor, scope, outcome.next, outcome.output, &iterations)
		if err != nil {
			return e.fail(sctx, exec, step.Slug, asCascade(err, schema.ErrCodeExecution))
		}
		if wasLoop != "" && !cursor.InLoop() {
			e.journal(sctx, execID, wasLoop, 1, schema.JournalStepCompleted, scope.InputSnapshot(), scope.Steps[wasLoop], nil)
		}

		if batchExhausted {
			if err := e.persistState(ctx, execID, cursor, scope, true, uuid.NewString()); err != nil {
				return err
			}
			return e.tasks.Enqueue(ctx, Continuation{
				ExecutionID: execID,
				StepSlug:    cursor.LoopSlug,
				Attempt:     cursor.LoopIndex + 1,
				Kind:        "loop",
			})
		}

		if err := e.persistState(ctx, execID, cursor, scope, false, ""); err != nil {
			return err
		}
	}
}

func (e *Engine) runStep(ctx context.Context, prog *program, exec *store.Execution, cursor *schema.Cursor, step *schema.StepDefinition, sc *expressions.Scope, attempt int) (*stepOutcome, error) {
	switch step.Type {
	case schema.StepTypeTrigger:
		return e.runTrigger(ctx, step, sc)
	case schema.StepTypeCondition:
		return e.runCondition(ctx, step, sc)
	case schema.StepTypeAction:
		return e.runAction(ctx, prog, exec, step, sc, attempt)
	case schema.StepTypeLoop:
		return e.enterLoop(ctx, prog, cursor, step, sc)
	case schema.StepTypeLLM:
		return &stepOutcome{
			suspend: true,
			handle:  uuid.NewString(),
			cont: Continuation{
				ExecutionID: exec.ID,
				StepSlug:    step.Slug,
				Attempt:     attempt,
				Kind:        "llm",
			},
		}, nil
	case schema.StepTypeSetVariables:
		return e.runSetVariables(ctx, step, sc)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", step.Type)
	}
}

func (e *Engine) runTrigger(ctx context.Context, step *schema.StepDefinition, sc *expressions.Scope) (*stepOutcome, error) {
	params := &schema.TriggerParams{}
	if len(step.Params) > 0 {
		if err := json.Unmarshal(step.Params, params); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "trigger %q: malformed params", step.Slug).WithCause(err)
		}
	}
	if params.Filter != "" {
		match, err := e.cel.EvaluateBool(ctx, params.Filter, sc.Data())
		if err != nil {
			return nil, err
		}
		if !match {
			return &stepOutcome{skip: true}, nil
		}
	}
	return &stepOutcome{output: sc.Trigger, next: step.Next}, nil
}

func (e *Engine) runCondition(ctx context.Context, step *schema.StepDefinition, sc *expressions.Scope) (*stepOutcome, error) {
	params := &schema.ConditionParams{}
	if err := json.Unmarshal(step.Params, params); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "condition %q: malformed params", step.Slug).WithCause(err)
	}

	val, err := e.cel.Evaluate(ctx, params.Expression, sc.Data())
	if err != nil {
		return nil, err
	}

	key := branchKey(val)
	target, ok := step.Branches[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"condition %q: no branch for result %q", step.Slug, key)
	}
	return &stepOutcome{output: map[string]any{"result": key}, next: target}, nil
}

func branchKey(val any) string {
	switch v := val.(type) {
	case bool:
		if v {
			return "true"
		}
		return "false"
	case string:
		return v
	default:
		return expressions.AsString(val)
	}
}

func (e *Engine) runAction(ctx context.Context, prog *program, exec *store.Execution, step *schema.StepDefinition, sc *expressions.Scope, attempt int) (*stepOutcome, error) {
	params := &schema.ActionParams{}
	if err := json.Unmarshal(step.Params, params); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "action %q: malformed params", step.Slug).WithCause(err)
	}

	action, err := e.actions.Get(params.Action)
	if err != nil {
		return nil, err
	}

	if params.Async || supportsAsync(action) {
		return &stepOutcome{
			suspend: true,
			handle:  uuid.NewString(),
			cont: Continuation{
				ExecutionID: exec.ID,
				StepSlug:    step.Slug,
				Attempt:     attempt,
				Kind:        "action",
			},
		}, nil
	}

	output, err := e.invokeAction(ctx, prog, exec, step, sc)
	if err != nil {
		return nil, err
	}
	return &stepOutcome{output: output, next: step.Next}, nil
}

// asyncCapable marks actions whose work completes out of band. The engine
// suspends on them even without an explicit async flag on the step.
type asyncCapable interface {
	SupportsAsync() bool
}

func supportsAsync(a actions.Action) bool {
	ac, ok := a.(asyncCapable)
	return ok && ac.SupportsAsync()
}

// invokeAction resolves templated inputs and runs the action, honoring the
// step's retry policy. Retry belongs here, to the invocation; the engine
// never retries a failed step on its own.
func (e *Engine) invokeAction(ctx context.Context, prog *program, exec *store.Execution, step *schema.StepDefinition, sc *expressions.Scope) (any, error) {
	params := &schema.ActionParams{}
	if err := json.Unmarshal(step.Params, params); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "action %q: malformed params", step.Slug).WithCause(err)
	}

	action, err := e.actions.Get(params.Action)
	if err != nil {
		return nil, err
	}

	inputs := map[string]any{}
	if len(params.Inputs) > 0 {
		resolve := e.resolver.ResolveRaw
		if params.Lenient {
			resolve = e.resolver.ResolveRawLenient
		}
		resolved, err := resolve(ctx, params.Inputs, sc)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(resolved, &inputs); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"action %q: inputs must resolve to an object", step.Slug).WithCause(err)
		}
	}

	input := actions.ActionInput{
		Params: inputs,
		Context: map[string]any{
			"org_id":       exec.OrgID,
			"workflow_id":  prog.def.RootVersionID,
			"execution_id": exec.ID,
			"step":         step.Slug,
		},
	}

	maxAttempts := 1
	if params.Retry != nil && params.Retry.Max > 0 {
		maxAttempts = params.Retry.Max + 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, ComputeBackoff(params.Retry, attempt-1)); err != nil {
				return nil, schema.NewError(schema.ErrCodeCancelled, "retry interrupted").WithCause(err)
			}
		}

		out, execErr := action.Execute(ctx, input)
		if execErr == nil {
			if out == nil || len(out.Data) == 0 {
				return nil, nil
			}
			var decoded any
			if err := json.Unmarshal(out.Data, &decoded); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeActionInvocation,
					"action %q returned malformed output", params.Action).WithCause(err)
			}
			return decoded, nil
		}

		lastErr = execErr
		if !IsRetryableError(execErr) {
			break
		}
		e.logger.DebugContext(ctx, "retrying action", "action", params.Action, "attempt", attempt+1)
	}
	return nil, asCascade(lastErr, schema.ErrCodeActionInvocation)
}

// enterLoop resolves the items expression and repositions the cursor at
// the first body step. Empty sequences complete the loop immediately.
func (e *Engine) enterLoop(ctx context.Context, prog *program, cursor *schema.Cursor, step *schema.StepDefinition, sc *expressions.Scope) (*stepOutcome, error) {
	params, ok := prog.loops[step.Slug]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "loop %q has no parsed params", step.Slug)
	}

	resolved, err := e.resolver.Resolve(ctx, params.Items, sc)
	if err != nil {
		return nil, err
	}
	items, err := expressions.AsSlice(resolved)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"loop %q: items did not resolve to a sequence", step.Slug).WithCause(err)
	}
	if params.MaxIterations > 0 && len(items) > params.MaxIterations {
		items = items[:params.MaxIterations]
	}

	key := collectKey(params)
	if len(items) == 0 {
		return &stepOutcome{
			output: map[string]any{key: []any{}, "count": 0},
			next:   step.Next,
		}, nil
	}

	itemsRaw, err := json.Marshal(items)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "marshal loop items").WithCause(err)
	}

	sc.SetStepOutput(step.Slug, map[string]any{key: []any{}, "count": 0})
	cursor.LoopSlug = step.Slug
	cursor.LoopIndex = 0
	cursor.BodyPos = 0
	cursor.LoopItems = itemsRaw
	cursor.CurrentSlug = params.Body[0]
	return &stepOutcome{entered: true}, nil
}

func (e *Engine) runSetVariables(ctx context.Context, step *schema.StepDefinition, sc *expressions.Scope) (*stepOutcome, error) {
	params := &schema.SetVariablesParams{}
	if err := json.Unmarshal(step.Params, params); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "set_variables %q: malformed params", step.Slug).WithCause(err)
	}

	resolved, err := e.resolver.Resolve(ctx, params.Variables, sc)
	if err != nil {
		return nil, err
	}
	values, ok := resolved.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"set_variables %q: variables must resolve to an object", step.Slug)
	}
	for name, value := range values {
		sc.SetVar(name, value)
	}
	return &stepOutcome{output: values, next: step.Next}, nil
}

// invokeLLM resolves the prompt, calls the provider, and validates the
// structured output, retrying malformed output up to the step's attempt
// budget. Provider transport failures are not retried here.
func (e *Engine) invokeLLM(ctx context.Context, step *schema.StepDefinition, sc *expressions.Scope) (any, error) {
	if e.llm == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no llm provider configured")
	}

	params := &schema.LLMParams{}
	if err := json.Unmarshal(step.Params, params); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "llm %q: malformed params", step.Slug).WithCause(err)
	}

	resolved, err := e.resolver.Resolve(ctx, params.PromptTemplate, sc)
	if err != nil {
		return nil, err
	}
	prompt := expressions.AsString(resolved)

	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultLLMAttempts
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		raw, genErr := e.llm.Generate(ctx, prompt)
		if genErr != nil {
			return nil, asCascade(genErr, schema.ErrCodeExecution)
		}

		var output any
		parseErr := json.Unmarshal([]byte(raw), &output)

		if len(params.OutputSchema) == 0 {
			if parseErr != nil {
				return map[string]any{"text": raw}, nil
			}
			return output, nil
		}

		if parseErr != nil {
			lastErr = schema.NewErrorf(schema.ErrCodeLLMOutputInvalid,
				"llm %q: output is not valid JSON", step.Slug).WithCause(parseErr)
			continue
		}
		if vErr := e.schemas.ValidatePayload(output, params.OutputSchema); vErr != nil {
			lastErr = schema.NewErrorf(schema.ErrCodeLLMOutputInvalid,
				"llm %q: output does not match schema", step.Slug).WithCause(vErr)
			continue
		}
		return output, nil
	}
	return nil, lastErr
}

// advanceCursor moves the cursor past a completed step. Inside a loop it
// owns the iteration bookkeeping; output is the completed step's output,
// collected when the step was the last of the body. The boolean reports
// that the batch budget for this invocation is spent.
func (e *Engine) advanceCursor(prog *program, cursor *schema.Cursor, scope *expressions.Scope, next string, output any, iterations *int) (bool, error) {
	if !cursor.InLoop() {
		cursor.CurrentSlug = next
		return false, nil
	}

	params, ok := prog.loops[cursor.LoopSlug]
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution, "cursor references unknown loop %q", cursor.LoopSlug)
	}

	cursor.BodyPos++
	if cursor.BodyPos < len(params.Body) {
		cursor.CurrentSlug = params.Body[cursor.BodyPos]
		return false, nil
	}

	// Iteration complete: the last body step's output is the iteration result.
	appendLoopResult(scope, cursor.LoopSlug, collectKey(params), output)
	cursor.LoopIndex++
	cursor.BodyPos = 0
	*iterations++

	items, err := decodeLoopItems(cursor)
	if err != nil {
		return false, err
	}
	count := len(items)
	if params.MaxIterations > 0 && count > params.MaxIterations {
		count = params.MaxIterations
	}

	if cursor.LoopIndex >= count {
		loopStep, err := prog.step(cursor.LoopSlug)
		if err != nil {
			return false, err
		}
		cursor.CurrentSlug = loopStep.Next
		cursor.LoopSlug = ""
		cursor.LoopIndex = 0
		cursor.LoopItems = nil
		return false, nil
	}

	cursor.CurrentSlug = params.Body[0]
	if params.BatchSize > 0 && *iterations >= params.BatchSize {
		return true, nil
	}
	return false, nil
}

func collectKey(params *schema.LoopParams) string {
	if params.Collect != "" {
		return params.Collect
	}
	return "results"
}

func appendLoopResult(scope *expressions.Scope, loopSlug, key string, output any) {
	entry, _ := scope.Steps[loopSlug].(map[string]any)
	if entry == nil {
		entry = map[string]any{}
	}
	list, _ := entry[key].([]any)
	list = append(list, output)
	entry[key] = list
	entry["count"] = len(list)
	scope.Steps[loopSlug] = entry
}

func (e *Engine) journal(ctx context.Context, execID, slug string, attempt int, kind string, inputs json.RawMessage, output any, cascErr *schema.CascadeError) {
	var outRaw, errRaw json.RawMessage
	if output != nil {
		outRaw, _ = json.Marshal(output)
	}
	if cascErr != nil {
		errRaw, _ = json.Marshal(cascErr)
	}
	now := time.Now().UTC()
	if _, err := e.store.AppendStepRecord(ctx, &store.StepRecord{
		ExecutionID: execID,
		StepSlug:    slug,
		Attempt:     attempt,
		Kind:        kind,
		Inputs:      inputs,
		Outputs:     outRaw,
		Error:       errRaw,
		StartedAt:   now,
		FinishedAt:  &now,
	}); err != nil {
		e.logger.WarnContext(ctx, "journal append failed", "step", slug, "error", err)
	}
}
