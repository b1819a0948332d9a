package execution

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// IsMutable reports whether a value can be modified in place: maps,
// slices, pointers and channels are; scalars, strings, arrays and
// structs held by value are not.
func IsMutable(v reflect.Value) bool {
	if !v.IsValid() {
		return false
	}
	// Unwrap interface values produced by the interpreter.
	for v.Kind() == reflect.Interface && !v.IsNil() {
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Map, reflect.Slice, reflect.Ptr, reflect.Chan:
		return true
	default:
		return false
	}
}

// Serialize renders a value into a stable string form used both for
// persistence and for mutation detection snapshots. JSON when the
// value marshals, %v otherwise.
func Serialize(v reflect.Value) string {
	if !v.IsValid() {
		return "nil"
	}
	iface := v.Interface()
	if data, err := json.Marshal(iface); err == nil {
		return string(data)
	}
	return fmt.Sprintf("%v", iface)
}
