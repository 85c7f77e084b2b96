package feeder

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
)

// CSVFeeder reads a roster from a CSV file. The first row is the header
// naming the fields, for example "username,password".
type CSVFeeder struct {
	records
}

// NewCSVFeeder loads every row of path into memory.
func NewCSVFeeder(path string) (*CSVFeeder, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read CSV: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("CSV file is empty")
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("CSV file must have at least one header row and one data row")
	}

	header := rows[0]
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}

	out := make([]Record, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if len(row) != len(header) {
			return nil, fmt.Errorf("row %d has %d fields, expected %d", i+2, len(row), len(header))
		}
		rec := make(Record, len(header))
		for j, field := range header {
			rec[field] = row[j]
		}
		out = append(out, rec)
	}

	return &CSVFeeder{records: records{rows: out}}, nil
}
