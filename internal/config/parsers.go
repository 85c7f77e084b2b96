// Package config loads scenario definitions from a file and CLI flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// lookupSetting returns the first candidate key present in settings, trying
// each key as written and lowercased.
func lookupSetting(settings map[string]interface{}, candidates ...string) (interface{}, bool) {
	for _, key := range candidates {
		if val, ok := settings[key]; ok {
			return val, true
		}
		if val, ok := settings[strings.ToLower(key)]; ok {
			return val, true
		}
	}
	return nil, false
}

func asString(value interface{}) (string, error) {
	if s, ok := value.(fmt.Stringer); ok {
		return s.String(), nil
	}
	return cast.ToStringE(value)
}

func asInt(value interface{}) (int, error) {
	if s, ok := value.(string); ok {
		value = strings.TrimSpace(s)
		if value == "" {
			return 0, nil
		}
	}
	return cast.ToIntE(value)
}

func asFloat64(value interface{}) (float64, error) {
	if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return cast.ToFloat64E(value)
}

func asBool(value interface{}) (bool, error) {
	if s, ok := value.(string); ok {
		value = strings.TrimSpace(s)
		if value == "" {
			return false, nil
		}
	}
	return cast.ToBoolE(value)
}

// asDuration parses duration strings; bare numbers are seconds, so a YAML
// "timeout: 10" reads as ten seconds rather than ten nanoseconds.
func asDuration(value interface{}) (time.Duration, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return v, nil
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return 0, nil
		}
		return time.ParseDuration(v)
	}
	secs, err := cast.ToFloat64E(value)
	if err != nil {
		return 0, fmt.Errorf("unsupported duration type %T", value)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// asStringSlice accepts a list or a single string.
func asStringSlice(value interface{}) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	}
	return cast.ToStringSliceE(value)
}

// asIntSlice accepts a list of numbers, a comma-separated string or a single
// number.
func asIntSlice(value interface{}) ([]int, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []int:
		return v, nil
	case string:
		var out []int
		for _, part := range strings.Split(v, ",") {
			n, err := asInt(part)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	}
	items, err := toInterfaceSlice(value)
	if err != nil {
		n, err := asInt(value)
		if err != nil {
			return nil, err
		}
		return []int{n}, nil
	}
	out := make([]int, len(items))
	for i, item := range items {
		n, err := asInt(item)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		out[i] = n
	}
	return out, nil
}

func toInterfaceSlice(value interface{}) ([]interface{}, error) {
	if value == nil {
		return nil, nil
	}
	if maps, ok := value.([]map[interface{}]interface{}); ok {
		items := make([]interface{}, len(maps))
		for i := range maps {
			items[i] = maps[i]
		}
		return items, nil
	}
	items, err := cast.ToSliceE(value)
	if err != nil {
		return nil, fmt.Errorf("expected list, got %T", value)
	}
	return items, nil
}

// toStringKeyMap normalizes a decoded map to lowercase string keys.
func toStringKeyMap(value interface{}) (map[string]interface{}, error) {
	m, err := cast.ToStringMapE(value)
	if err != nil {
		return nil, fmt.Errorf("expected map, got %T", value)
	}
	result := make(map[string]interface{}, len(m))
	for key, val := range m {
		result[strings.ToLower(strings.TrimSpace(key))] = val
	}
	return result, nil
}
