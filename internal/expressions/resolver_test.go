package expressions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/cascadehq/cascade/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

func testScope(trigger, steps, vars map[string]any) *Scope {
	return &Scope{
		Trigger: trigger,
		Steps:   steps,
		Vars:    vars,
	}
}

func assertCode(t *testing.T, err error, code string) *schema.CascadeError {
	t.Helper()
	var cerr *schema.CascadeError
	require.True(t, errors.As(err, &cerr), "expected CascadeError, got %v", err)
	assert.Equal(t, code, cerr.Code)
	return cerr
}

// --- Resolve tests ---

func TestResolver_NoTemplate(t *testing.T) {
	r := NewResolver()

	out, err := r.Resolve(context.Background(), "plain text", testScope(nil, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)
}

func TestResolver_Interpolation(t *testing.T) {
	r := NewResolver()
	scope := testScope(map[string]any{"user": map[string]any{"name": "Ada"}}, nil, nil)

	out, err := r.Resolve(context.Background(), "Hello {{trigger.user.name}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada", out)
}

func TestResolver_WholeString_PreservesType(t *testing.T) {
	r := NewResolver()
	scope := testScope(nil, nil, map[string]any{
		"count":   float64(3),
		"enabled": true,
		"items":   []any{"a", "b"},
		"config":  map[string]any{"retries": float64(2)},
		"nothing": nil,
	})

	tests := []struct {
		name string
		in   string
		want any
	}{
		{"number", "{{vars.count}}", float64(3)},
		{"bool", "{{vars.enabled}}", true},
		{"array", "{{vars.items}}", []any{"a", "b"}},
		{"object", "{{vars.config}}", map[string]any{"retries": float64(2)}},
		{"null", "{{vars.nothing}}", nil},
		{"whitespace padded", "  {{ vars.count }}  ", float64(3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.Resolve(context.Background(), tt.in, scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestResolver_MixedExpressions_Interpolate(t *testing.T) {
	r := NewResolver()
	scope := testScope(nil, nil, map[string]any{"a": float64(1), "b": "two"})

	out, err := r.Resolve(context.Background(), "{{vars.a}}-{{vars.b}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "1-two", out)
}

func TestResolver_InterpolatedObject_RendersJSON(t *testing.T) {
	r := NewResolver()
	scope := testScope(nil, map[string]any{
		"fetch": map[string]any{"status": float64(200)},
	}, nil)

	out, err := r.Resolve(context.Background(), "got {{steps.fetch}}", scope)
	require.NoError(t, err)
	assert.Equal(t, `got {"status":200}`, out)
}

func TestResolver_NestedValues(t *testing.T) {
	r := NewResolver()
	scope := testScope(
		map[string]any{"id": "rec-1"},
		map[string]any{"fetch": map[string]any{"items": []any{
			map[string]any{"name": "first"},
			map[string]any{"name": "second"},
		}}},
		nil,
	)

	params := map[string]any{
		"entity": "{{trigger.id}}",
		"nested": map[string]any{
			"second": "{{steps.fetch.items[1].name}}",
		},
		"list": []any{"{{steps.fetch.items[0].name}}", "literal"},
	}

	out, err := r.Resolve(context.Background(), params, scope)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"entity": "rec-1",
		"nested": map[string]any{"second": "second"},
		"list":   []any{"first", "literal"},
	}, out)
}

func TestResolver_ComputedExpression(t *testing.T) {
	r := NewResolver()
	scope := testScope(nil, nil, map[string]any{"count": 3})

	out, err := r.Resolve(context.Background(), "{{vars.count * 2 + 1}}", scope)
	require.NoError(t, err)
	assert.Equal(t, 7, out)
}

func TestResolver_UnresolvedReference(t *testing.T) {
	r := NewResolver()
	scope := testScope(nil, map[string]any{"fetch": map[string]any{"url": "x"}}, nil)

	_, err := r.Resolve(context.Background(), "{{steps.fetch.status}}", scope)
	cerr := assertCode(t, err, schema.ErrCodeUnresolvedReference)
	assert.Equal(t, "steps.fetch.status", cerr.Details["path"])
	assert.Equal(t, "steps.fetch.status", cerr.Details["at"])
	assert.Contains(t, cerr.Message, "url")
}

func TestResolver_UnresolvedReference_MidPath(t *testing.T) {
	r := NewResolver()
	scope := testScope(nil, nil, nil)

	_, err := r.Resolve(context.Background(), "{{steps.missing.output}}", scope)
	cerr := assertCode(t, err, schema.ErrCodeUnresolvedReference)
	assert.Equal(t, "steps.missing", cerr.Details["at"])
}

func TestResolver_IndexOutOfRange(t *testing.T) {
	r := NewResolver()
	scope := testScope(nil, map[string]any{"fetch": map[string]any{"items": []any{"a"}}}, nil)

	_, err := r.Resolve(context.Background(), "{{steps.fetch.items[4]}}", scope)
	assertCode(t, err, schema.ErrCodeUnresolvedReference)
}

func TestResolver_MalformedTemplates(t *testing.T) {
	r := NewResolver()
	scope := testScope(nil, nil, map[string]any{"a": float64(1)})

	tests := []struct {
		name string
		in   string
	}{
		{"unclosed", "value is {{vars.a"},
		{"empty", "value is {{}}"},
		{"nested", "value is {{ {{vars.a}} }}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), tt.in, scope)
			assertCode(t, err, schema.ErrCodeValidation)
		})
	}
}

func TestResolver_ResolveRaw(t *testing.T) {
	r := NewResolver()
	scope := testScope(map[string]any{"id": "e-1"}, nil, map[string]any{"count": float64(3)})

	raw := json.RawMessage(`{"entity":"{{trigger.id}}","n":"{{vars.count}}","keep":true}`)
	out, err := r.ResolveRaw(context.Background(), raw, scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"entity":"e-1","n":3,"keep":true}`, string(out))
}

func TestResolver_ResolveRaw_Empty(t *testing.T) {
	r := NewResolver()

	out, err := r.ResolveRaw(context.Background(), nil, testScope(nil, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage("null"), out)
}

func TestResolver_ResolveLenient(t *testing.T) {
	r := NewResolver()
	scope := testScope(nil, nil, map[string]any{"region": "eu"})

	out, err := r.ResolveLenient(context.Background(), "{{vars.missing}}", scope)
	require.NoError(t, err)
	assert.Nil(t, out)

	// Only the leaf with the missing reference becomes null; siblings and
	// nested values resolve normally.
	out, err = r.ResolveLenient(context.Background(), map[string]any{
		"region": "{{vars.region}}",
		"nested": map[string]any{
			"gone": "{{vars.missing}}",
			"kept": []any{"{{vars.region}}", "{{vars.missing}}"},
		},
	}, scope)
	require.NoError(t, err)
	resolved, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "eu", resolved["region"])
	nested := resolved["nested"].(map[string]any)
	assert.Nil(t, nested["gone"])
	assert.Equal(t, []any{"eu", nil}, nested["kept"])

	// Non-reference failures still surface.
	_, err = r.ResolveLenient(context.Background(), "oops {{vars.a", scope)
	assertCode(t, err, schema.ErrCodeValidation)
}

func TestResolver_ResolveRawLenient(t *testing.T) {
	r := NewResolver()
	scope := testScope(nil, nil, map[string]any{"region": "eu"})

	out, err := r.ResolveRawLenient(context.Background(),
		json.RawMessage(`{"region":"{{vars.region}}","gone":"{{vars.missing}}"}`), scope)
	require.NoError(t, err)

	var resolved map[string]any
	require.NoError(t, json.Unmarshal(out, &resolved))
	assert.Equal(t, "eu", resolved["region"])
	assert.Contains(t, resolved, "gone")
	assert.Nil(t, resolved["gone"])
}

func TestResolver_LoopScope(t *testing.T) {
	r := NewResolver()
	base := testScope(nil, nil, nil)
	scope := base.WithLoop(map[string]any{"sku": "X-1"}, 2)

	out, err := r.Resolve(context.Background(), "{{loop.item.sku}}@{{loop.index}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "X-1@2", out)

	// The parent scope has no loop bindings.
	_, err = r.Resolve(context.Background(), "{{loop.item}}", base)
	assertCode(t, err, schema.ErrCodeUnresolvedReference)
}

func TestResolver_Deterministic(t *testing.T) {
	r := NewResolver()
	scope := testScope(nil, nil, map[string]any{"n": float64(5)})

	first, err := r.Resolve(context.Background(), "{{vars.n}} items", scope)
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), "{{vars.n}} items", scope)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestHasTemplate(t *testing.T) {
	assert.True(t, HasTemplate(json.RawMessage(`{"a":"{{vars.x}}"}`)))
	assert.False(t, HasTemplate(json.RawMessage(`{"a":"plain"}`)))
}
