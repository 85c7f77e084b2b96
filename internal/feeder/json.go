package feeder

import (
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/gjson"
)

// JSONFeeder reads a roster from a JSON array of objects.
type JSONFeeder struct {
	records
}

// NewJSONFeeder loads every object of path into memory. Scalar values are
// kept as their string form; nested values are kept as raw JSON.
func NewJSONFeeder(path string) (*JSONFeeder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open JSON file: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("decode JSON: invalid document")
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsArray() {
		return nil, fmt.Errorf("decode JSON: expected an array of objects")
	}

	items := doc.Array()
	if len(items) == 0 {
		return nil, fmt.Errorf("JSON file contains empty array")
	}

	out := make([]Record, 0, len(items))
	for i, item := range items {
		if !item.IsObject() {
			return nil, fmt.Errorf("record %d is not an object", i)
		}
		rec := make(Record)
		item.ForEach(func(key, value gjson.Result) bool {
			if value.IsObject() || value.IsArray() {
				rec[strings.ToLower(key.String())] = value.Raw
			} else {
				rec[strings.ToLower(key.String())] = value.String()
			}
			return true
		})
		if len(rec) == 0 {
			return nil, fmt.Errorf("record %d is empty", i)
		}
		out = append(out, rec)
	}

	return &JSONFeeder{records: records{rows: out}}, nil
}
