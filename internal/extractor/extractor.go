// Package extractor reads named fields out of JSON response bodies and stream
// frames using gjson path expressions.
package extractor

import (
	"errors"
	"fmt"
)

// ErrMissing is returned when a required path is absent from a body.
var ErrMissing = errors.New("field not found")

// Required returns the value at path or an error naming the path.
func Required(body []byte, path string) (string, error) {
	value, ok := Lookup(body, path)
	if !ok {
		return "", fmt.Errorf("%s: %w", path, ErrMissing)
	}
	return value, nil
}

// First returns the value of the first path present in body, or "".
func First(body []byte, paths ...string) string {
	for _, path := range paths {
		if value, ok := Lookup(body, path); ok {
			return value
		}
	}
	return ""
}
