package poll

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestUntilSucceedsOnceConditionHolds(t *testing.T) {
	var n atomic.Int32
	err := Until(context.Background(), "counter", 5*time.Millisecond, time.Second, func(context.Context) (bool, any, error) {
		v := n.Add(1)
		return v >= 3, v, nil
	})
	if err != nil {
		t.Fatalf("Until() error = %v", err)
	}
	if n.Load() != 3 {
		t.Errorf("expected 3 checks, got %d", n.Load())
	}
}

func TestUntilTimesOutWithLastObservation(t *testing.T) {
	start := time.Now()
	err := Until(context.Background(), "delivery to bob", 10*time.Millisecond, 60*time.Millisecond, func(context.Context) (bool, any, error) {
		return false, "inbox len 0", nil
	})
	var timeout *AssertionTimeout
	if !errors.As(err, &timeout) {
		t.Fatalf("expected AssertionTimeout, got %v", err)
	}
	if timeout.Last != "inbox len 0" || timeout.What != "delivery to bob" {
		t.Errorf("unexpected timeout %+v", timeout)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond || elapsed > time.Second {
		t.Errorf("unexpected wait %s", elapsed)
	}
	if !strings.Contains(err.Error(), "inbox len 0") {
		t.Errorf("error should carry the observation: %v", err)
	}
}

func TestUntilKeepsPollingThroughErrors(t *testing.T) {
	var n atomic.Int32
	boom := errors.New("HTTP 503")
	err := Until(context.Background(), "history", 5*time.Millisecond, 30*time.Millisecond, func(context.Context) (bool, any, error) {
		n.Add(1)
		return false, nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected last error to be wrapped, got %v", err)
	}
	if n.Load() < 2 {
		t.Errorf("expected retries, got %d checks", n.Load())
	}
}

func TestUntilHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	err := Until(ctx, "never", 5*time.Millisecond, time.Minute, func(context.Context) (bool, any, error) {
		return false, nil, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestQuiet(t *testing.T) {
	if err := Quiet(context.Background(), "echo", 5*time.Millisecond, 30*time.Millisecond, func() (bool, any, error) {
		return false, nil, nil
	}); err != nil {
		t.Fatalf("Quiet() error = %v", err)
	}

	var n atomic.Int32
	err := Quiet(context.Background(), "echo", 5*time.Millisecond, time.Second, func() (bool, any, error) {
		return n.Add(1) > 2, "sender saw its own message", nil
	})
	if err == nil || !strings.Contains(err.Error(), "sender saw its own message") {
		t.Fatalf("expected violation, got %v", err)
	}
}

func TestUntilStopsOnAbort(t *testing.T) {
	var n atomic.Int32
	gone := errors.New("bob stream ended: connection reset")
	start := time.Now()
	err := Until(context.Background(), "delivery to bob", 5*time.Millisecond, time.Minute, func(context.Context) (bool, any, error) {
		if n.Add(1) < 2 {
			return false, "missing: bob", nil
		}
		return false, nil, Abort(gone)
	})
	if !errors.Is(err, gone) {
		t.Fatalf("expected abort error, got %v", err)
	}
	var timeout *AssertionTimeout
	if errors.As(err, &timeout) {
		t.Fatalf("abort should not surface as a timeout: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("abort waited %s", elapsed)
	}
	if n.Load() != 2 {
		t.Errorf("expected 2 checks, got %d", n.Load())
	}
}

func TestQuietStopsOnError(t *testing.T) {
	gone := errors.New("carol stream ended")
	err := Quiet(context.Background(), "echo", 5*time.Millisecond, time.Minute, func() (bool, any, error) {
		return false, nil, gone
	})
	if !errors.Is(err, gone) {
		t.Fatalf("expected stream error, got %v", err)
	}
}

func TestAbortNil(t *testing.T) {
	if Abort(nil) != nil {
		t.Fatal("Abort(nil) should be nil")
	}
}
