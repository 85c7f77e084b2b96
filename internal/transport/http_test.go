package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDoReturnsBodyOn2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected JSON content type, got %q", r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		w.Write(body)
	}))
	defer server.Close()

	req, err := NewJSONRequest(context.Background(), http.MethodPost, server.URL, map[string]string{"text": "hi"})
	if err != nil {
		t.Fatalf("NewJSONRequest failed: %v", err)
	}
	body, err := Do(NewHTTPClient(time.Second), "post", req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if string(body) != `{"text":"hi"}` {
		t.Errorf("unexpected body %q", body)
	}
}

func TestDoMapsStatusToHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, strings.Repeat("x", 4096), http.StatusForbidden)
	}))
	defer server.Close()

	req, _ := NewJSONRequest(context.Background(), http.MethodGet, server.URL, nil)
	_, err := Do(NewHTTPClient(time.Second), "fetch", req)

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %T %v", err, err)
	}
	if httpErr.StatusCode != http.StatusForbidden || StatusCode(err) != http.StatusForbidden {
		t.Errorf("unexpected status %d", httpErr.StatusCode)
	}
	if len(httpErr.Body) > maxErrorBodyBytes {
		t.Errorf("error body not truncated: %d bytes", len(httpErr.Body))
	}
	if IsConnection(err) {
		t.Error("HTTP status failure must not be a connection error")
	}
}

func TestDoMapsTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	req, _ := NewJSONRequest(context.Background(), http.MethodGet, url, nil)
	_, err := Do(NewHTTPClient(time.Second), "fetch", req)
	if !IsConnection(err) {
		t.Fatalf("expected ConnectionError, got %T %v", err, err)
	}
	if StatusCode(err) != 0 {
		t.Errorf("expected no status code")
	}
}
