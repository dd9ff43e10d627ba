package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cascadehq/cascade/pkg/schema"
)

// Kind classifies a scope value into the JSON type lattice. Every value
// crossing an expression-evaluation boundary is one of these six kinds, so
// coercion behavior is reproducible regardless of how the value was built.
type Kind string

const (
	KindNull   Kind = "null"
	KindBool   Kind = "bool"
	KindNumber Kind = "number"
	KindString Kind = "string"
	KindArray  Kind = "array"
	KindObject Kind = "object"
)

// KindOf returns the Kind of a value.
func KindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case float64, float32, int, int8, int16, int32, int64, uint, uint32, uint64, json.Number:
		return KindNumber
	case string:
		return KindString
	case []any:
		return KindArray
	case map[string]any:
		return KindObject
	default:
		// Anything exotic round-trips through JSON when merged into scope,
		// so this branch only matters for values built in tests.
		return KindObject
	}
}

// AsBool coerces a value to bool. Only bool and null coerce; anything else
// is an error so conditions cannot silently truthy-match.
func AsBool(v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case nil:
		return false, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"expected boolean, got %s (%v)", KindOf(v), v)
	}
}

// AsNumber coerces a value to float64. Numeric strings are accepted since
// templated params frequently stringify numbers.
func AsNumber(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case uint64:
		return float64(val), nil
	case json.Number:
		return val.Float64()
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeExecution, "cannot parse %q as number", val)
		}
		return f, nil
	default:
		return 0, schema.NewErrorf(schema.ErrCodeExecution,
			"expected number, got %s (%v)", KindOf(v), v)
	}
}

// AsString renders a value for string interpolation. Objects and arrays are
// JSON-encoded inline; null renders empty.
func AsString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// AsSlice coerces a value to an ordered sequence. Non-array values are an
// error; loop items-sources must produce lists.
func AsSlice(v any) ([]any, error) {
	switch val := v.(type) {
	case []any:
		return val, nil
	case nil:
		return nil, nil
	default:
		// Some engines hand back typed lists; JSON round-trip normalizes.
		data, err := json.Marshal(v)
		if err == nil {
			var out []any
			if err := json.Unmarshal(data, &out); err == nil {
				return out, nil
			}
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expected list, got %s (%v)", KindOf(v), v)
	}
}
