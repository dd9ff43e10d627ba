package expressions

import (
	"encoding/json"

	"github.com/cascadehq/cascade/pkg/schema"
)

// Scope holds the variable bindings visible to the currently executing step.
// It is the unit persisted on the execution record between steps: any step
// handler may run on a different worker than the previous one, so nothing
// outside this structure survives a suspension.
type Scope struct {
	Trigger   map[string]any `json:"trigger,omitempty"`   // invocation input
	Steps     map[string]any `json:"steps,omitempty"`     // step slug -> output
	Vars      map[string]any `json:"vars,omitempty"`      // set_variables targets + org constants
	Org       map[string]any `json:"org,omitempty"`       // organization metadata
	Execution map[string]any `json:"execution,omitempty"` // execution metadata (id, started_at)
	Loop      *LoopScope     `json:"-"`                   // iteration variables, never persisted here
}

// LoopScope holds scoped variables for a single loop iteration.
type LoopScope struct {
	Item  any `json:"item"`
	Index int `json:"index"`
}

// NewScope creates a Scope seeded with trigger input and org constants.
// Inputs are deep-copied so later mutation by the caller cannot leak in.
func NewScope(triggerInput, orgConstants, orgMeta, execMeta map[string]any) *Scope {
	return &Scope{
		Trigger:   deepCopyMap(triggerInput),
		Steps:     make(map[string]any),
		Vars:      deepCopyMap(orgConstants),
		Org:       deepCopyMap(orgMeta),
		Execution: deepCopyMap(execMeta),
	}
}

// SetStepOutput registers a completed step's output under steps.<slug>.
// Outputs are frozen on insert; re-registering a slug overwrites, which is
// what loop iterations over the same body slugs rely on.
func (s *Scope) SetStepOutput(slug string, output any) {
	if s.Steps == nil {
		s.Steps = make(map[string]any)
	}
	s.Steps[slug] = deepCopyAny(output)
}

// SetVar merges a resolved value into vars.<name>.
func (s *Scope) SetVar(name string, value any) {
	if s.Vars == nil {
		s.Vars = make(map[string]any)
	}
	s.Vars[name] = deepCopyAny(value)
}

// WithLoop returns a view of the scope with loop iteration variables set.
// The underlying maps are shared; only the loop binding differs.
func (s *Scope) WithLoop(item any, index int) *Scope {
	child := *s
	child.Loop = &LoopScope{Item: deepCopyAny(item), Index: index}
	return &child
}

// InputSnapshot captures the variable bindings a step saw at journal time:
// vars plus the loop iteration binding when inside a loop body.
func (s *Scope) InputSnapshot() json.RawMessage {
	snap := map[string]any{"vars": mapOrEmpty(s.Vars)}
	if s.Loop != nil {
		snap["loop"] = map[string]any{"item": s.Loop.Item, "index": s.Loop.Index}
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	return raw
}

// Data flattens the scope into the evaluation environment used by every
// expression engine. Namespaces are always present so expressions can read
// them without nil-reference errors.
func (s *Scope) Data() map[string]any {
	data := map[string]any{
		"trigger":   mapOrEmpty(s.Trigger),
		"steps":     mapOrEmpty(s.Steps),
		"vars":      mapOrEmpty(s.Vars),
		"org":       mapOrEmpty(s.Org),
		"execution": mapOrEmpty(s.Execution),
	}
	if s.Loop != nil {
		data["loop"] = map[string]any{"item": s.Loop.Item, "index": s.Loop.Index}
	} else {
		data["loop"] = map[string]any{}
	}
	return data
}

// Marshal serializes the scope for persistence. Loop variables are excluded;
// loop position is owned by the execution cursor.
func (s *Scope) Marshal() (json.RawMessage, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "marshal scope").WithCause(err)
	}
	return b, nil
}

// UnmarshalScope rebuilds a Scope from its persisted form.
func UnmarshalScope(raw json.RawMessage) (*Scope, error) {
	s := &Scope{}
	if len(raw) == 0 {
		return NewScope(nil, nil, nil, nil), nil
	}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "unmarshal scope").WithCause(err)
	}
	if s.Steps == nil {
		s.Steps = make(map[string]any)
	}
	if s.Vars == nil {
		s.Vars = make(map[string]any)
	}
	return s, nil
}

func mapOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// --- Deep copy utilities ---

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
