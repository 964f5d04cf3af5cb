package store

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
)

// circularSentinel replaces any value whose identity is already on the
// current recursion path.
const circularSentinel = "<circular>"

// Sanitize converts a value into a JSON-representable form. Byte
// slices are decoded as UTF-8 with replacement, map keys become
// strings, cycles are cut with a sentinel, and non-finite numbers are
// stringified. Sanitize never fails; values it cannot represent are
// rendered with their Go formatting.
func Sanitize(value interface{}) interface{} {
	return sanitize(reflect.ValueOf(value), map[uintptr]struct{}{})
}

func sanitize(v reflect.Value, visited map[uintptr]struct{}) interface{} {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return sanitize(v.Elem(), visited)

	case reflect.Ptr:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if _, ok := visited[ptr]; ok {
			return circularSentinel
		}
		visited[ptr] = struct{}{}
		defer delete(visited, ptr)
		return sanitize(v.Elem(), visited)

	case reflect.String:
		return strings.ToValidUTF8(v.String(), "�")

	case reflect.Bool:
		return v.Bool()

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()

	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Sprintf("%v", f)
		}
		return f

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return strings.ToValidUTF8(string(v.Bytes()), "�")
		}
		ptr := v.Pointer()
		if _, ok := visited[ptr]; ok {
			return circularSentinel
		}
		visited[ptr] = struct{}{}
		defer delete(visited, ptr)
		return sanitizeSeq(v, visited)

	case reflect.Array:
		return sanitizeSeq(v, visited)

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if _, ok := visited[ptr]; ok {
			return circularSentinel
		}
		visited[ptr] = struct{}{}
		defer delete(visited, ptr)
		out := make(map[string]interface{}, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key := fmt.Sprintf("%v", iter.Key().Interface())
			out[key] = sanitize(iter.Value(), visited)
		}
		return out

	case reflect.Struct:
		// Structs carry their own dump capability through the json
		// package; fall back to plain formatting when that fails.
		raw, err := json.Marshal(v.Interface())
		if err != nil {
			return fmt.Sprintf("%v", v.Interface())
		}
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return string(raw)
		}
		return sanitize(reflect.ValueOf(decoded), visited)

	default:
		return fmt.Sprintf("%v", v.Interface())
	}
}

func sanitizeSeq(v reflect.Value, visited map[uintptr]struct{}) []interface{} {
	out := make([]interface{}, v.Len())
	for i := 0; i < v.Len(); i++ {
		out[i] = sanitize(v.Index(i), visited)
	}
	return out
}
