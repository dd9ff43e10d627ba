package expressions

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cascadehq/cascade/pkg/schema"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// plainPathRe matches bare reference paths like steps.fetch.output or
// trigger.items[0].name. Anything not matching goes through the expression
// engine instead of direct traversal.
var plainPathRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z0-9_]+|\[[0-9]+\])*$`)

// Resolver evaluates {{ ... }} templates against a variable scope.
// Resolution is recursive over arrays and objects. A string that is exactly
// one expression is replaced by the evaluated value with its type preserved;
// any other string containing expressions is interpolated. The resolver has
// no side effects and is referentially transparent for a given scope.
type Resolver struct {
	exprEngine *ExprEngine
}

// NewResolver creates a Resolver backed by a shared expression engine.
func NewResolver() *Resolver {
	return &Resolver{exprEngine: NewExprEngine()}
}

// Resolve walks value, replacing every template expression. Undefined
// references fail with an UNRESOLVED_REFERENCE error naming the missing
// path; the caller decides whether that is fatal.
func (r *Resolver) Resolve(ctx context.Context, value any, scope *Scope) (any, error) {
	switch v := value.(type) {
	case string:
		return r.resolveString(ctx, v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := r.Resolve(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := r.Resolve(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case json.RawMessage:
		return r.resolveRawValue(ctx, v, scope)
	default:
		return value, nil
	}
}

// ResolveRaw decodes raw JSON, resolves it, and re-encodes the result.
func (r *Resolver) ResolveRaw(ctx context.Context, raw json.RawMessage, scope *Scope) (json.RawMessage, error) {
	resolved, err := r.resolveRawValue(ctx, raw, scope)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "re-encode resolved params").WithCause(err)
	}
	return out, nil
}

// ResolveLenient is Resolve with unresolved references tolerated: the leaf
// carrying the missing path resolves to null while sibling values keep
// their resolved results. Action steps opt in through the lenient flag.
func (r *Resolver) ResolveLenient(ctx context.Context, value any, scope *Scope) (any, error) {
	switch v := value.(type) {
	case string:
		out, err := r.resolveString(ctx, v, scope)
		if err != nil {
			if isUnresolved(err) {
				return nil, nil
			}
			return nil, err
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := r.ResolveLenient(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := r.ResolveLenient(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case json.RawMessage:
		if len(v) == 0 {
			return nil, nil
		}
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "decode templated params").WithCause(err)
		}
		return r.ResolveLenient(ctx, decoded, scope)
	default:
		return value, nil
	}
}

// ResolveRawLenient is ResolveRaw with lenient reference semantics.
func (r *Resolver) ResolveRawLenient(ctx context.Context, raw json.RawMessage, scope *Scope) (json.RawMessage, error) {
	resolved, err := r.ResolveLenient(ctx, json.RawMessage(raw), scope)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "re-encode resolved params").WithCause(err)
	}
	return out, nil
}

func isUnresolved(err error) bool {
	var cerr *schema.CascadeError
	return errors.As(err, &cerr) && cerr.Code == schema.ErrCodeUnresolvedReference
}

func (r *Resolver) resolveRawValue(ctx context.Context, raw json.RawMessage, scope *Scope) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "decode templated params").WithCause(err)
	}
	return r.Resolve(ctx, decoded, scope)
}

// resolveString handles a single string value. Three cases: no delimiters
// (returned as-is), exactly one expression spanning the whole string
// (type-preserving), or mixed text and expressions (interpolated).
func (r *Resolver) resolveString(ctx context.Context, s string, scope *Scope) (any, error) {
	if !strings.Contains(s, openDelim) {
		return s, nil
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, openDelim) && strings.HasSuffix(trimmed, closeDelim) {
		inner := trimmed[len(openDelim) : len(trimmed)-len(closeDelim)]
		// Whole-string single expression only when the inner part has no
		// further delimiters ("{{a}}-{{b}}" must interpolate).
		if !strings.Contains(inner, openDelim) && !strings.Contains(inner, closeDelim) {
			return r.evalExpr(ctx, strings.TrimSpace(inner), scope)
		}
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], openDelim)
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}
		result.WriteString(s[i : i+idx])
		start := i + idx + len(openDelim)

		end := strings.Index(s[start:], closeDelim)
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"unclosed template expression in %q", s)
		}
		end += start

		expr := strings.TrimSpace(s[start:end])
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "empty template expression")
		}
		if strings.Contains(expr, openDelim) {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"nested template expressions are not allowed")
		}

		val, err := r.evalExpr(ctx, expr, scope)
		if err != nil {
			return nil, err
		}
		result.WriteString(AsString(val))

		i = end + len(closeDelim)
	}

	return result.String(), nil
}

// evalExpr evaluates one expression. Plain dotted paths are resolved by
// traversal so missing references carry a precise path; everything else is
// compiled by the expression engine.
func (r *Resolver) evalExpr(ctx context.Context, expr string, scope *Scope) (any, error) {
	if plainPathRe.MatchString(expr) {
		return traversePath(scope.Data(), expr)
	}
	return r.exprEngine.Evaluate(ctx, expr, scope.Data())
}

// HasTemplate reports whether a JSON blob contains any {{ ... }} references.
func HasTemplate(raw json.RawMessage) bool {
	return strings.Contains(string(raw), openDelim)
}

// traversePath navigates a dot/index path like steps.fetch.items[2].id
// through nested maps and slices rooted at the scope data.
func traversePath(root map[string]any, path string) (any, error) {
	segments := splitPath(path)

	var current any = root
	for i, seg := range segments {
		if seg.index >= 0 {
			arr, ok := current.([]any)
			if !ok {
				return nil, unresolvedErr(path, joinSegments(segments[:i+1]),
					"cannot index into non-array")
			}
			if seg.index >= len(arr) {
				return nil, unresolvedErr(path, joinSegments(segments[:i+1]),
					"index out of range")
			}
			current = arr[seg.index]
			continue
		}

		obj, ok := current.(map[string]any)
		if !ok {
			return nil, unresolvedErr(path, joinSegments(segments[:i+1]),
				"cannot traverse into non-object")
		}
		val, ok := obj[seg.key]
		if !ok {
			return nil, unresolvedErr(path, joinSegments(segments[:i+1]),
				"field not found; available: ["+strings.Join(sortedKeys(obj), ", ")+"]")
		}
		current = val
	}

	return current, nil
}

type pathSegment struct {
	key   string
	index int // -1 for key segments
}

func splitPath(path string) []pathSegment {
	var segs []pathSegment
	for _, part := range strings.Split(path, ".") {
		for {
			open := strings.IndexByte(part, '[')
			if open == -1 {
				if part != "" {
					segs = append(segs, pathSegment{key: part, index: -1})
				}
				break
			}
			if open > 0 {
				segs = append(segs, pathSegment{key: part[:open], index: -1})
			}
			closeIdx := strings.IndexByte(part, ']')
			n, _ := strconv.Atoi(part[open+1 : closeIdx])
			segs = append(segs, pathSegment{index: n})
			part = part[closeIdx+1:]
		}
	}
	return segs
}

func joinSegments(segs []pathSegment) string {
	var b strings.Builder
	for i, s := range segs {
		if s.index >= 0 {
			b.WriteString("[" + strconv.Itoa(s.index) + "]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s.key)
	}
	return b.String()
}

func unresolvedErr(path, at, reason string) *schema.CascadeError {
	return schema.NewErrorf(schema.ErrCodeUnresolvedReference,
		"undefined reference %q at %q: %s", path, at, reason).
		WithDetails(map[string]any{"path": path, "at": at})
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
