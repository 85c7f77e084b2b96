// Package feeder loads identity rosters and renders message templates.
package feeder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Record represents a single row of data with named fields.
type Record map[string]string

// Feeder hands out roster records in file order.
// Implementations must be safe for concurrent use.
type Feeder interface {
	// Next returns the next record or ErrExhausted once every record was read.
	Next(ctx context.Context) (Record, error)

	// Close releases any resources held by the feeder.
	Close() error

	// Len returns the total number of records in the dataset.
	Len() int
}

// ErrExhausted is returned when a feeder has no more records.
var ErrExhausted = errors.New("feeder exhausted: no more records available")

// Open picks a reader by fileType ("csv" or "json"), falling back to the
// file extension when fileType is empty.
func Open(path, fileType string) (Feeder, error) {
	kind := strings.ToLower(strings.TrimSpace(fileType))
	if kind == "" {
		kind = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
	switch kind {
	case "csv":
		return NewCSVFeeder(path)
	case "json":
		return NewJSONFeeder(path)
	default:
		return nil, fmt.Errorf("unsupported roster type %q (use csv or json)", kind)
	}
}

// Drain reads every remaining record.
func Drain(ctx context.Context, f Feeder) ([]Record, error) {
	out := make([]Record, 0, f.Len())
	for {
		rec, err := f.Next(ctx)
		if errors.Is(err, ErrExhausted) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// records is the in-memory cursor shared by the file feeders.
type records struct {
	mu    sync.Mutex
	rows  []Record
	index int
}

func (r *records) Next(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.index >= len(r.rows) {
		return nil, ErrExhausted
	}
	rec := r.rows[r.index]
	r.index++
	return rec, nil
}

func (r *records) Close() error { return nil }

func (r *records) Len() int { return len(r.rows) }
