package utils

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/spf13/cast"
)

// ToFloat64 coerces numbers, numeric strings, json.Number and fmt.Stringer values
// (decimal.Decimal for instance) into a float64. ok is false when no number could be read.
func ToFloat64(val interface{}) (float64, bool) {
	switch v := val.(type) {
	case nil, bool:
		return 0, false
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := cast.ToFloat64E(v)
		return f, err == nil
	case fmt.Stringer:
		f, err := cast.ToFloat64E(v.String())
		return f, err == nil
	}
	f, err := cast.ToFloat64E(val)
	return f, err == nil
}

// IsFinite reports whether f is neither NaN nor infinite
func IsFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// GetFloat64Value safely extracts a float64 value from a map, 0 when absent or not numeric
func GetFloat64Value(data map[string]interface{}, key string) float64 {
	f, _ := GetFloat64(data, key)
	return f
}

// GetFloat64 extracts a numeric value from a map
func GetFloat64(data map[string]interface{}, key string) (float64, bool) {
	if data == nil {
		return 0, false
	}
	f, ok := ToFloat64(data[key])
	if !ok || !IsFinite(f) {
		return 0, false
	}
	return f, true
}

// GetIntValue safely extracts an int value from a map
func GetIntValue(data map[string]interface{}, key string) int {
	f, ok := GetFloat64(data, key)
	if !ok {
		return 0
	}
	return int(f)
}

// GetStringValue safely extracts a string value from a map
func GetStringValue(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	switch v := data[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]interface{}, []interface{}:
		return ""
	default:
		return cast.ToString(v)
	}
}

// FirstString returns the first non-empty string found under keys
func FirstString(data map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s := GetStringValue(data, key); s != "" {
			return s
		}
	}
	return ""
}

// GetMap returns the nested object under key, or nil
func GetMap(data map[string]interface{}, key string) map[string]interface{} {
	if data == nil {
		return nil
	}
	m, _ := data[key].(map[string]interface{})
	return m
}

// GetSlice returns the nested array under key, or nil
func GetSlice(data map[string]interface{}, key string) []interface{} {
	if data == nil {
		return nil
	}
	s, _ := data[key].([]interface{})
	return s
}

// Lookup walks nested objects along path
func Lookup(data map[string]interface{}, path ...string) (interface{}, bool) {
	var current interface{} = data
	for _, key := range path {
		m, ok := current.(map[string]interface{})
		if !ok || m == nil {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, current != nil
}

// LookupMap walks nested objects along path and returns the object found there
func LookupMap(data map[string]interface{}, path ...string) map[string]interface{} {
	v, ok := Lookup(data, path...)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]interface{})
	return m
}

// ToMap converts a struct into a generic JSON object
func ToMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return result, nil
}

// Decode converts a generic JSON value into out
func Decode(in interface{}, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}
	return nil
}
