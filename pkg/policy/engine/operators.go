package engine

import (
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"

	"mercator-hq/aegis/pkg/policy"
)

// compare evaluates a comparison. It never fails: ordering operators on
// operands that cannot be ordered yield false.
func compare(op policy.CompareOperator, left, right any) bool {
	switch op {
	case policy.CmpEq:
		return valuesEqual(left, right)
	case policy.CmpNe:
		return !valuesEqual(left, right)
	}

	cmp, ok := order(left, right)
	if !ok {
		return false
	}
	switch op {
	case policy.CmpLt:
		return cmp < 0
	case policy.CmpGt:
		return cmp > 0
	case policy.CmpLe:
		return cmp <= 0
	case policy.CmpGe:
		return cmp >= 0
	default:
		return false
	}
}

// valuesEqual checks if two values are equal. Numbers compare by value
// regardless of their Go type.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	an, aok := toFloat64(a)
	bn, bok := toFloat64(b)
	if aok && bok {
		return an == bn
	}
	return reflect.DeepEqual(a, b)
}

// order returns -1, 0 or 1 when a and b are both numbers or both strings.
func order(a, b any) (int, bool) {
	if an, ok := toFloat64(a); ok {
		bn, ok := toFloat64(b)
		if !ok {
			return 0, false
		}
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

// truthy is the boolean reading of a register used by and/or/not and branch.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	}
	if n, ok := toFloat64(v); ok {
		return n != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// toFloat64 converts a numeric value to float64.
func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}

// elements returns the items of a slice or array value.
func elements(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func containsElement(list, elem any) bool {
	items, ok := elements(list)
	if !ok {
		return false
	}
	for _, item := range items {
		if valuesEqual(item, elem) {
			return true
		}
	}
	return false
}

// callBuiltin runs one of policy.Builtins. Type mismatches produce false
// (or 0 for len) rather than errors.
func (e *Engine) callBuiltin(name string, args []any) (any, error) {
	switch name {
	case "contains":
		if s, ok := args[0].(string); ok {
			sub, ok := args[1].(string)
			return ok && strings.Contains(s, sub), nil
		}
		if m, ok := args[0].(map[string]any); ok {
			key, ok := args[1].(string)
			if !ok {
				return false, nil
			}
			_, found := m[key]
			return found, nil
		}
		return containsElement(args[0], args[1]), nil

	case "startswith":
		s, ok1 := args[0].(string)
		prefix, ok2 := args[1].(string)
		return ok1 && ok2 && strings.HasPrefix(s, prefix), nil

	case "endswith":
		s, ok1 := args[0].(string)
		suffix, ok2 := args[1].(string)
		return ok1 && ok2 && strings.HasSuffix(s, suffix), nil

	case "len":
		return length(args[0]), nil

	case "matches":
		return e.patterns.match(args[0], args[1]), nil

	case "in_list":
		return containsElement(args[1], args[0]), nil

	case "is_empty":
		return isEmpty(args[0]), nil

	default:
		return nil, fmt.Errorf("unknown builtin %q", name)
	}
}

func length(v any) int {
	if s, ok := v.(string); ok {
		return utf8.RuneCountInString(s)
	}
	if v == nil {
		return 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len()
	}
	return 0
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	}
	return false
}

// describe renders a value for trace details.
func describe(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%v", v)
}
