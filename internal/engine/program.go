package engine

import (
	"encoding/json"

	"github.com/cascadehq/cascade/pkg/schema"
)

// program is a validated definition indexed for interpretation: steps by
// slug and loop params decoded once up front.
type program struct {
	def    *schema.WorkflowDefinition
	steps  map[string]*schema.StepDefinition
	loops  map[string]*schema.LoopParams
	bodyOf map[string]string // body step slug -> owning loop slug
}

func newProgram(def *schema.WorkflowDefinition) (*program, error) {
	if def == nil || len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition has no steps")
	}
	if def.Steps[0].Type != schema.StepTypeTrigger {
		return nil, schema.NewError(schema.ErrCodeValidation, "first step must be the trigger")
	}

	p := &program{
		def:    def,
		steps:  make(map[string]*schema.StepDefinition, len(def.Steps)),
		loops:  make(map[string]*schema.LoopParams),
		bodyOf: make(map[string]string),
	}
	for i := range def.Steps {
		step := &def.Steps[i]
		if _, dup := p.steps[step.Slug]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step slug %q", step.Slug)
		}
		p.steps[step.Slug] = step
	}
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.Type != schema.StepTypeLoop {
			continue
		}
		params := &schema.LoopParams{}
		if err := json.Unmarshal(step.Params, params); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "loop %q: malformed params", step.Slug).WithCause(err)
		}
		if len(params.Body) == 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "loop %q: empty body", step.Slug)
		}
		for _, slug := range params.Body {
			if _, ok := p.steps[slug]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "loop %q: unknown body step %q", step.Slug, slug)
			}
			p.bodyOf[slug] = step.Slug
		}
		p.loops[step.Slug] = params
	}
	return p, nil
}

// first returns the slug the interpreter starts at.
func (p *program) first() string {
	return p.def.Steps[0].Slug
}

// step resolves a slug, failing on dangling references.
func (p *program) step(slug string) (*schema.StepDefinition, error) {
	s, ok := p.steps[slug]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown step %q", slug)
	}
	return s, nil
}

// current returns the step the cursor points at, descending into the loop
// body when the cursor is inside one.
func (p *program) current(cursor *schema.Cursor) (*schema.StepDefinition, error) {
	if cursor.InLoop() {
		params, ok := p.loops[cursor.LoopSlug]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "cursor references unknown loop %q", cursor.LoopSlug)
		}
		if cursor.BodyPos < 0 || cursor.BodyPos >= len(params.Body) {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "cursor body position %d out of range for loop %q", cursor.BodyPos, cursor.LoopSlug)
		}
		return p.step(params.Body[cursor.BodyPos])
	}
	return p.step(cursor.CurrentSlug)
}
