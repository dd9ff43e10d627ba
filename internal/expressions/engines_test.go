package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/cascadehq/cascade/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- ExprEngine ---

func TestExprEngine_Evaluate(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		"vars":  map[string]any{"count": 3, "tags": []any{"a", "b", "c"}},
		"steps": map[string]any{},
	}

	out, err := e.Evaluate(context.Background(), "vars.count > 2", data)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), "len(vars.tags)", data)
	require.NoError(t, err)
	assert.Equal(t, 3, out)
}

func TestExprEngine_UnknownIdentifier(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "bogus + 1", map[string]any{"vars": map[string]any{}})
	assertCode(t, err, schema.ErrCodeUnresolvedReference)
}

func TestExprEngine_EmptyExpression(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	assertCode(t, err, schema.ErrCodeValidation)
}

func TestExprEngine_CacheIsConcurrencySafe(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{"vars": map[string]any{"n": 1}}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), "vars.n + 1", data)
			assert.NoError(t, err)
			assert.Equal(t, 2, out)
		}()
	}
	wg.Wait()
}

// --- CELEngine ---

func TestCELEngine_EvaluateBool(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"trigger": map[string]any{"status": "open", "amount": float64(120)},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"equality", `trigger.status == "open"`, true},
		{"comparison", `trigger.amount > 100.0`, true},
		{"conjunction", `trigger.status == "open" && trigger.amount < 50.0`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvaluateBool(context.Background(), tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCELEngine_NonBoolResult(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.EvaluateBool(context.Background(), `trigger.status`,
		map[string]any{"trigger": map[string]any{"status": "open"}})
	assertCode(t, err, schema.ErrCodeExecution)
}

func TestCELEngine_Check(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	assert.NoError(t, e.Check(`vars.ready == true`))

	err = e.Check(`trigger.status ==`)
	assertCode(t, err, schema.ErrCodeValidation)

	// Unknown top-level namespaces are rejected at compile time.
	err = e.Check(`payload.status == "x"`)
	assertCode(t, err, schema.ErrCodeValidation)
}

func TestCELEngine_MissingNamespaceDefaultsEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	got, err := e.EvaluateBool(context.Background(), `"status" in trigger`, map[string]any{})
	require.NoError(t, err)
	assert.False(t, got)
}

// --- GoJQEngine ---

func TestGoJQEngine_Evaluate(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{
		"steps": map[string]any{
			"fetch": map[string]any{
				"items": []any{
					map[string]any{"name": "a", "qty": 2},
					map[string]any{"name": "b", "qty": 5},
				},
			},
		},
	}

	out, err := e.Evaluate(context.Background(),
		`[.steps.fetch.items[] | select(.qty > 3) | .name]`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, out)
}

func TestGoJQEngine_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"vars": map[string]any{"items": []any{1, 2}}}

	out, err := e.Evaluate(context.Background(), `.vars.items[]`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, out)
}

func TestGoJQEngine_ParseError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), `.[broken`, nil)
	assertCode(t, err, schema.ErrCodeValidation)
}

func TestGoJQEngine_EnvBlocked(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `env.PATH`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}
