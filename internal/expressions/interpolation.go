package expressions

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/rendis/openrooms/pkg/schema"
)

// Interpolate resolves ${{ path }} references inside v against the room
// variables. Strings, maps and slices are walked recursively; other values are
// returned unchanged. A path may be prefixed with "vars." or "state.".
//
// A string that consists of exactly one reference keeps the referenced value's
// type; references embedded in longer text are rendered inline.
func Interpolate(v any, variables map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return interpolateString(val, variables)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := Interpolate(item, variables)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := Interpolate(item, variables)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// InterpolateString resolves every reference in s and always returns text.
func InterpolateString(s string, variables map[string]any) (string, error) {
	out, err := interpolateString(s, variables)
	if err != nil {
		return "", err
	}
	if str, ok := out.(string); ok {
		return str, nil
	}
	return renderInline(out), nil
}

func interpolateString(input string, variables map[string]any) (any, error) {
	if !strings.Contains(input, "${{") {
		return input, nil
	}

	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "${{") == 1 && strings.Index(trimmed, "}}") == len(trimmed)-2 {
		return resolvePath(strings.TrimSpace(trimmed[3:len(trimmed)-2]), variables)
	}

	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}
		result.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		ref := strings.TrimSpace(input[start:end])
		if strings.Contains(ref, "${{") {
			return nil, schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		val, err := resolvePath(ref, variables)
		if err != nil {
			return nil, err
		}
		result.WriteString(renderInline(val))
		i = end + 2
	}
	return result.String(), nil
}

func resolvePath(ref string, variables map[string]any) (any, error) {
	if ref == "" {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
	}
	path := ref
	for _, prefix := range []string{"vars.", "state.variables.", "state."} {
		if strings.HasPrefix(path, prefix) {
			path = strings.TrimPrefix(path, prefix)
			break
		}
	}

	// Direct lookup first so keys containing dots still resolve.
	if val, ok := variables[path]; ok {
		return val, nil
	}

	var current any = variables
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", ref, i).
				WithDetails(map[string]any{"expression": ref})
		}
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				available := sortedKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found in %q; available: [%s]", seg, ref, strings.Join(available, ", ")).
					WithDetails(map[string]any{"expression": ref, "available_fields": available})
			}
			current = next
		case []any:
			n, err := strconv.Atoi(seg)
			if err != nil || n < 0 || n >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"index %q out of range in %q (len %d)", seg, ref, len(v)).
					WithDetails(map[string]any{"expression": ref})
			}
			current = v[n]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, ref, current).
				WithDetails(map[string]any{"expression": ref})
		}
	}
	return current, nil
}

// renderInline formats a resolved value for embedding in surrounding text.
func renderInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
