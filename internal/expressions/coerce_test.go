package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		in   any
		want Kind
	}{
		{nil, KindNull},
		{true, KindBool},
		{float64(1.5), KindNumber},
		{int(2), KindNumber},
		{"hi", KindString},
		{[]any{1}, KindArray},
		{map[string]any{}, KindObject},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.in), "KindOf(%v)", tt.in)
	}
}

func TestAsBool(t *testing.T) {
	v, err := AsBool(true)
	require.NoError(t, err)
	assert.True(t, v)

	v, err = AsBool(nil)
	require.NoError(t, err)
	assert.False(t, v)

	// Strings and numbers never truthy-coerce.
	_, err = AsBool("true")
	assert.Error(t, err)
	_, err = AsBool(float64(1))
	assert.Error(t, err)
}

func TestAsNumber(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want float64
	}{
		{"float64", float64(2.5), 2.5},
		{"int", 7, 7},
		{"int64", int64(9), 9},
		{"numeric string", "3.25", 3.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AsNumber(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := AsNumber("not a number")
	assert.Error(t, err)
	_, err = AsNumber([]any{1})
	assert.Error(t, err)
}

func TestAsString(t *testing.T) {
	assert.Equal(t, "", AsString(nil))
	assert.Equal(t, "hi", AsString("hi"))
	assert.Equal(t, "true", AsString(true))
	assert.Equal(t, "3", AsString(float64(3)))
	assert.Equal(t, "1.5", AsString(float64(1.5)))
	assert.Equal(t, `["a","b"]`, AsString([]any{"a", "b"}))
	assert.Equal(t, `{"k":1}`, AsString(map[string]any{"k": float64(1)}))
}

func TestAsSlice(t *testing.T) {
	out, err := AsSlice([]any{"a"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, out)

	out, err = AsSlice(nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	// Typed slices normalize through JSON.
	out, err = AsSlice([]string{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, out)

	_, err = AsSlice(map[string]any{"k": 1})
	assert.Error(t, err)
}
