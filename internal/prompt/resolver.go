package prompt

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Context is the request-scoped data bag that conditions and variables read
// from. It is JSON/YAML shaped and treated as read-only by the engine.
type Context map[string]any

// rootAlias lets authors write "context.place" for the top-level "place".
const rootAlias = "context"

// Resolve walks a dotted path through ctx. It returns (nil, false) as soon as
// a segment is absent or an intermediate value is nil; a nil leaf also counts
// as absent. Numeric segments index into lists. Resolve never panics.
func Resolve(path string, ctx Context) (any, bool) {
	if path == "" || ctx == nil {
		return nil, false
	}

	segments := strings.Split(path, ".")
	if segments[0] == rootAlias && len(segments) > 1 {
		if _, shadowed := ctx[rootAlias]; !shadowed {
			segments = segments[1:]
		}
	}

	var current any = map[string]any(ctx)
	for _, seg := range segments {
		next, ok := step(current, seg)
		if !ok || next == nil {
			return nil, false
		}
		current = next
	}
	return current, true
}

// step descends one path segment.
func step(current any, seg string) (any, bool) {
	switch node := current.(type) {
	case map[string]any:
		v, ok := node[seg]
		return v, ok
	case Context:
		v, ok := node[seg]
		return v, ok
	case map[string]string:
		v, ok := node[seg]
		return v, ok
	case map[any]any:
		v, ok := node[seg]
		return v, ok
	case []any:
		return index(len(node), seg, func(i int) any { return node[i] })
	case []string:
		return index(len(node), seg, func(i int) any { return node[i] })
	}

	// Typed maps and slices from callers that did not go through JSON.
	rv := reflect.ValueOf(current)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Slice, reflect.Array:
		return index(rv.Len(), seg, func(i int) any { return rv.Index(i).Interface() })
	}
	return nil, false
}

func index(n int, seg string, at func(int) any) (any, bool) {
	i, err := strconv.Atoi(seg)
	if err != nil || i < 0 || i >= n {
		return nil, false
	}
	return at(i), true
}

// Stringify renders a resolved value for substitution into content.
// Lists are joined with ", " so keyword lists read naturally; maps render as
// compact JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case json.Number:
		return val.String()
	case fmt.Stringer:
		return val.String()
	}

	if list, ok := asList(v); ok {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			parts = append(parts, Stringify(item))
		}
		return strings.Join(parts, ", ")
	}

	if reflect.ValueOf(v).Kind() == reflect.Map {
		if data, err := json.Marshal(normalizeForJSON(v)); err == nil {
			return string(data)
		}
	}
	return fmt.Sprintf("%v", v)
}

// normalizeForJSON converts map[any]any (yaml.v2 style) into map[string]any
// so encoding/json can marshal it.
func normalizeForJSON(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeForJSON(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForJSON(item)
		}
		return out
	}
	return v
}
