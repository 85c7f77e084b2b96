package extractor

import (
	"errors"
	"testing"
)

func TestLookup(t *testing.T) {
	body := []byte(`{"data": {"access_token": "tok-1", "user": {"id": 7}}, "items": [{"id": 1}, {"id": 2}]}`)

	tests := []struct {
		name   string
		path   string
		want   string
		wantOK bool
	}{
		{name: "nested", path: "data.access_token", want: "tok-1", wantOK: true},
		{name: "dollar prefix", path: "$.data.user.id", want: "7", wantOK: true},
		{name: "array index", path: "items.1.id", want: "2", wantOK: true},
		{name: "missing", path: "data.refresh_token", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Lookup(body, tt.path)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Lookup(%q) = %q, %v; want %q, %v", tt.path, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestRequired(t *testing.T) {
	body := []byte(`{"name": "conv-1"}`)
	if v, err := Required(body, "name"); err != nil || v != "conv-1" {
		t.Fatalf("Required(name) = %q, %v", v, err)
	}
	if _, err := Required(body, "title"); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}
}

func TestFirst(t *testing.T) {
	private := []byte(`{"from": "alice", "content": "hi"}`)
	fanout := []byte(`{"source": "bob", "text": "hello", "conversation": "c1"}`)

	if got := First(private, "text", "content"); got != "hi" {
		t.Errorf("expected content fallback, got %q", got)
	}
	if got := First(fanout, "text", "content"); got != "hello" {
		t.Errorf("expected text, got %q", got)
	}
	if got := First(fanout, "missing", "other"); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}

func TestCountAndValid(t *testing.T) {
	if n := Count([]byte(`[{"id":1},{"id":2},{"id":3}]`), ""); n != 3 {
		t.Errorf("expected 3, got %d", n)
	}
	if n := Count([]byte(`{"messages":[1,2]}`), "messages"); n != 2 {
		t.Errorf("expected 2, got %d", n)
	}
	if n := Count([]byte(`{"messages":"x"}`), "messages"); n != 0 {
		t.Errorf("expected 0 for non-array, got %d", n)
	}
	if Valid([]byte(`{"a":`)) {
		t.Error("expected truncated JSON to be invalid")
	}
	if v, ok := Lookup([]byte(`{"a":1}`), "$"); !ok || v != `{"a":1}` {
		t.Errorf("bare $ should return whole document, got %q", v)
	}
}
