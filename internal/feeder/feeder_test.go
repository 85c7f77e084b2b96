package feeder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestCSVFeederLoadInOrder(t *testing.T) {
	path := writeFile(t, "roster.csv", `Username, Password
alice,secret1
bob,secret2
charlie,secret3`)

	feeder, err := NewCSVFeeder(path)
	if err != nil {
		t.Fatalf("NewCSVFeeder() error = %v", err)
	}
	defer feeder.Close()

	if feeder.Len() != 3 {
		t.Errorf("Len() = %d, want 3", feeder.Len())
	}

	ctx := context.Background()
	for _, want := range []string{"alice", "bob", "charlie"} {
		rec, err := feeder.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if rec["username"] != want {
			t.Errorf("record = %v, want username %s", rec, want)
		}
	}

	if _, err := feeder.Next(ctx); !errors.Is(err, ErrExhausted) {
		t.Errorf("Next() after last record error = %v, want ErrExhausted", err)
	}
}

func TestJSONFeederLoad(t *testing.T) {
	path := writeFile(t, "roster.json", `[
		{"username": "alice", "password": "pw", "age": 30},
		{"Username": "bob", "password": "pw2", "tags": ["a"]}
	]`)

	feeder, err := NewJSONFeeder(path)
	if err != nil {
		t.Fatalf("NewJSONFeeder() error = %v", err)
	}
	records, err := Drain(context.Background(), feeder)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Drain() returned %d records, want 2", len(records))
	}
	if records[0]["age"] != "30" {
		t.Errorf("numeric value = %q, want 30", records[0]["age"])
	}
	if records[1]["username"] != "bob" || records[1]["tags"] != `["a"]` {
		t.Errorf("second record = %v", records[1])
	}
}

func TestOpenSelectsReader(t *testing.T) {
	csvPath := writeFile(t, "roster.csv", "username,password\na,b")
	jsonPath := writeFile(t, "roster.json", `[{"username":"a"}]`)
	plain := writeFile(t, "roster.txt", "username,password\na,b")

	tests := []struct {
		name     string
		path     string
		fileType string
		wantErr  bool
	}{
		{"csv by extension", csvPath, "", false},
		{"json by extension", jsonPath, "", false},
		{"explicit type wins", plain, "CSV", false},
		{"unknown extension", plain, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Open(tt.path, tt.fileType)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && f.Len() != 1 {
				t.Errorf("Len() = %d, want 1", f.Len())
			}
		})
	}
}

func TestFeederConcurrentAccess(t *testing.T) {
	var b strings.Builder
	b.WriteString("id,value\n")
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&b, "%d,v%d\n", i, i)
	}
	feeder, err := NewCSVFeeder(writeFile(t, "data.csv", b.String()))
	if err != nil {
		t.Fatalf("NewCSVFeeder() error = %v", err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				rec, err := feeder.Next(context.Background())
				if err != nil {
					return
				}
				mu.Lock()
				if seen[rec["id"]] {
					t.Errorf("Duplicate record ID: %s", rec["id"])
				}
				seen[rec["id"]] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 100 {
		t.Errorf("saw %d records, want 100", len(seen))
	}
}

func TestFeederErrors(t *testing.T) {
	tests := []struct {
		name string
		open func() error
	}{
		{"missing csv", func() error { _, err := NewCSVFeeder("/nonexistent/path/file.csv"); return err }},
		{"empty csv", func() error { _, err := NewCSVFeeder(writeFile(t, "empty.csv", "")); return err }},
		{"header only", func() error { _, err := NewCSVFeeder(writeFile(t, "h.csv", "username,password\n")); return err }},
		{"ragged csv", func() error { _, err := NewCSVFeeder(writeFile(t, "r.csv", "a,b\n1\n")); return err }},
		{"invalid json", func() error { _, err := NewJSONFeeder(writeFile(t, "i.json", `{invalid json`)); return err }},
		{"json object", func() error { _, err := NewJSONFeeder(writeFile(t, "o.json", `{"username":"a"}`)); return err }},
		{"empty json array", func() error { _, err := NewJSONFeeder(writeFile(t, "e.json", `[]`)); return err }},
		{"json scalar item", func() error { _, err := NewJSONFeeder(writeFile(t, "s.json", `[1]`)); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.open(); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestTemplateSubstitution(t *testing.T) {
	tests := []struct {
		name     string
		template string
		record   Record
		want     string
	}{
		{
			name:     "single placeholder",
			template: "hello-{{run}}",
			record:   Record{"run": "01HX"},
			want:     "hello-01HX",
		},
		{
			name:     "multiple placeholders",
			template: "{{phase}}:{{sender}}:{{run}}",
			record:   Record{"phase": "group", "sender": "user-1", "run": "r1"},
			want:     "group:user-1:r1",
		},
		{
			name:     "missing placeholder field",
			template: "hello-{{missing}}",
			record:   Record{"run": "r1"},
			want:     "hello-{{missing}}",
		},
		{
			name:     "no placeholders",
			template: "hello-p2p",
			record:   Record{"run": "r1"},
			want:     "hello-p2p",
		},
		{
			name:     "empty record",
			template: "hello-{{run}}",
			record:   nil,
			want:     "hello-{{run}}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SubstitutePlaceholders(tt.template, tt.record)
			if got != tt.want {
				t.Errorf("SubstitutePlaceholders() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFeederContextCancellation(t *testing.T) {
	feeder, err := NewCSVFeeder(writeFile(t, "data.csv", "id,value\n1,test"))
	if err != nil {
		t.Fatalf("NewCSVFeeder() error = %v", err)
	}
	defer feeder.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := feeder.Next(ctx); err != context.Canceled {
		t.Errorf("Next() with cancelled context error = %v, want context.Canceled", err)
	}
}
