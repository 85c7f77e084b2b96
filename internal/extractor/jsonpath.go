package extractor

import (
	"github.com/tidwall/gjson"
)

// Lookup extracts a value using gjson with support for $.field and field syntax.
func Lookup(body []byte, path string) (string, bool) {
	result := gjson.GetBytes(body, normalize(path))
	if !result.Exists() {
		return "", false
	}
	return result.String(), true
}

// Valid reports whether body is well-formed JSON.
func Valid(body []byte) bool {
	return gjson.ValidBytes(body)
}

// Count returns the number of elements of the array at path, or of the
// top-level array when path is empty.
func Count(body []byte, path string) int {
	var result gjson.Result
	if path == "" {
		result = gjson.ParseBytes(body)
	} else {
		result = gjson.GetBytes(body, normalize(path))
	}
	if !result.IsArray() {
		return 0
	}
	return len(result.Array())
}

func normalize(path string) string {
	// Strip leading $. if present, or handle bare $ to return entire JSON
	if len(path) > 0 && path[0] == '$' {
		if len(path) > 1 && path[1] == '.' {
			return path[2:]
		}
		if len(path) == 1 {
			return "@this"
		}
	}
	return path
}
