package responseprocessor

import "reflect"

// circularSentinel is substituted for any reference that would otherwise
// revisit an ancestor already being serialized (spec §4.3 step 1).
const circularSentinel = "[Circular Reference]"

// breakCycles walks payload and rewrites references that would form a
// cycle into circularSentinel. visited tracks pointer identities of
// maps/slices/pointers currently on the path from the root — it is a
// path set, not a global "seen" set, so sharing the same sub-value from
// two different branches (a DAG, not a cycle) is left untouched.
func breakCycles(v any, visited map[uintptr]bool) any {
	rv := reflect.ValueOf(v)
	return breakCyclesValue(rv, visited)
}

func breakCyclesValue(rv reflect.Value, visited map[uintptr]bool) any {
	if !rv.IsValid() {
		return nil
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		ptr := rv.Pointer()
		if visited[ptr] {
			return circularSentinel
		}
		visited[ptr] = true
		defer delete(visited, ptr)

		out := make(map[string]any, rv.Len())
		for _, key := range rv.MapKeys() {
			out[toMapKey(key)] = breakCyclesValue(rv.MapIndex(key), visited)
		}
		return out

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		var ptr uintptr
		trackable := rv.Kind() == reflect.Slice
		if trackable {
			ptr = rv.Pointer()
			if visited[ptr] {
				return circularSentinel
			}
			visited[ptr] = true
			defer delete(visited, ptr)
		}

		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = breakCyclesValue(rv.Index(i), visited)
		}
		return out

	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		if rv.Kind() == reflect.Ptr {
			ptr := rv.Pointer()
			if visited[ptr] {
				return circularSentinel
			}
			visited[ptr] = true
			defer delete(visited, ptr)
		}
		return breakCyclesValue(rv.Elem(), visited)

	case reflect.Struct:
		out := make(map[string]any, rv.NumField())
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			out[field.Name] = breakCyclesValue(rv.Field(i), visited)
		}
		return out

	default:
		if !rv.CanInterface() {
			return nil
		}
		return rv.Interface()
	}
}

func toMapKey(rv reflect.Value) string {
	if rv.Kind() == reflect.String {
		return rv.String()
	}
	return reflectToString(rv)
}

func reflectToString(rv reflect.Value) string {
	if rv.CanInterface() {
		if s, ok := rv.Interface().(interface{ String() string }); ok {
			return s.String()
		}
	}
	return rv.Kind().String()
}
