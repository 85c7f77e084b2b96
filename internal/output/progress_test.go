package output

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/torosent/relaycheck/internal/runner"
)

type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestFormatProgress(t *testing.T) {
	line := FormatProgress(runner.Progress{Dispatched: 12, Completed: 10, Errors: 1, Inflight: 1, Elapsed: 2 * time.Second})
	for _, want := range []string{"\rSends: 12", "Completed: 10", "Failed: 1", "In flight: 1", "Rate: 5.0/s", "2s"} {
		if !strings.Contains(line, want) {
			t.Errorf("progress line %q missing %q", line, want)
		}
	}
	if strings.Contains(FormatProgress(runner.Progress{Completed: 3}), "Inf") {
		t.Error("zero elapsed must not divide by zero")
	}
}

func TestProgressReporterWritesWhileLoadRuns(t *testing.T) {
	var buf syncBuffer
	var mu sync.Mutex
	running := false
	source := func() (runner.Progress, bool) {
		mu.Lock()
		defer mu.Unlock()
		return runner.Progress{Dispatched: 7, Completed: 7, Elapsed: time.Second}, running
	}

	reporter := NewProgressReporter(source, 10*time.Millisecond, &buf)
	reporter.Start()
	reporter.Start() // second start is a no-op

	time.Sleep(40 * time.Millisecond)
	if buf.String() != "" {
		t.Fatalf("nothing should print before load starts, got %q", buf.String())
	}

	mu.Lock()
	running = true
	mu.Unlock()
	time.Sleep(60 * time.Millisecond)
	reporter.Stop()
	reporter.Stop()

	out := buf.String()
	if !strings.Contains(out, "Sends: 7") {
		t.Errorf("expected progress output, got %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Errorf("Stop should end the progress line, got %q", out)
	}
}

func TestProgressReporterStopWithoutStart(t *testing.T) {
	reporter := NewProgressReporter(func() (runner.Progress, bool) { return runner.Progress{}, false }, time.Millisecond, nil)
	reporter.Stop()
}
