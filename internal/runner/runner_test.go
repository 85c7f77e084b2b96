package runner_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/torosent/relaycheck/internal/runner"
	"github.com/torosent/relaycheck/internal/transport"
)

// fakeRequester simulates a send with fixed latency.
type fakeRequester struct {
	latency   time.Duration
	calls     *int64
	failAfter int64 // if >0, fails after this many successful calls

	mu   sync.Mutex
	seen map[int]int
}

func (f *fakeRequester) Do(ctx context.Context, attempt int) error {
	f.mu.Lock()
	if f.seen == nil {
		f.seen = map[int]int{}
	}
	f.seen[attempt]++
	f.mu.Unlock()

	n := int64(0)
	if f.calls != nil {
		n = atomic.AddInt64(f.calls, 1)
	}
	select {
	case <-time.After(f.latency):
	case <-ctx.Done():
		return ctx.Err()
	}
	if f.failAfter > 0 && n > f.failAfter {
		return &transport.HTTPError{Op: "post", StatusCode: 503}
	}
	return nil
}

func TestRunnerCountModeRunsExactTotal(t *testing.T) {
	var calls int64
	req := &fakeRequester{latency: time.Millisecond, calls: &calls}
	r := runner.New(runner.Options{
		Workers:   4,
		Total:     25,
		Requester: req,
	})
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Dispatched != 25 || res.Completed != 25 {
		t.Fatalf("expected 25 dispatched and completed, got %+v", res)
	}
	if calls != 25 {
		t.Fatalf("expected requester called 25 times, got %d", calls)
	}
	for attempt, n := range req.seen {
		if n != 1 {
			t.Errorf("attempt %d sent %d times", attempt, n)
		}
	}
	if res.Remaining != 0 || res.InflightAtCutoff != 0 {
		t.Errorf("count mode left residue: %+v", res)
	}
	if res.State != "drained" {
		t.Errorf("expected drained pool, got %s", res.State)
	}
	if res.Snapshot.Completed != 25 || res.Stats.Total != 25 {
		t.Errorf("metrics disagree with counters: %+v %+v", res.Snapshot, res.Stats)
	}
}

func TestRunnerWindowModeHonorsDuration(t *testing.T) {
	var calls int64
	r := runner.New(runner.Options{
		Workers:   10,
		Duration:  50 * time.Millisecond,
		Requester: &fakeRequester{latency: 5 * time.Millisecond, calls: &calls},
	})
	start := time.Now()
	res, err := r.Run(context.Background())
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if elapsed < 50*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Fatalf("duration enforcement off: %s", elapsed)
	}
	if res.Completed <= 0 {
		t.Fatalf("expected some sends executed")
	}
	if res.Dispatched != calls {
		t.Errorf("dispatched %d but requester saw %d", res.Dispatched, calls)
	}
	if res.Completed+res.Errors != res.Dispatched {
		t.Errorf("every dispatched send must finish: %+v", res)
	}
	if res.InflightAtCutoff > 10 {
		t.Errorf("inflight at cutoff %d exceeds worker count", res.InflightAtCutoff)
	}
	if res.Remaining == 0 {
		t.Errorf("expected unclaimed attempts after the window closed")
	}
	if res.State != "stopped" {
		t.Errorf("expected stopped pool, got %s", res.State)
	}
}

func TestRunnerWindowModeStopsAtMaxAttempts(t *testing.T) {
	var calls int64
	r := runner.New(runner.Options{
		Workers:     3,
		Duration:    5 * time.Second,
		MaxAttempts: 12,
		Requester:   &fakeRequester{latency: time.Millisecond, calls: &calls},
	})
	start := time.Now()
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("run should end when attempts are exhausted")
	}
	if res.Dispatched != 12 || calls != 12 {
		t.Fatalf("expected 12 attempts, got dispatched=%d calls=%d", res.Dispatched, calls)
	}
}

func TestRunnerInflightSendsFinishAfterCutoff(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Int64
	req := runner.RequesterFunc(func(ctx context.Context, attempt int) error {
		started.Add(1)
		<-release
		return nil
	})
	r := runner.New(runner.Options{Workers: 4, Duration: 30 * time.Millisecond, Requester: req})

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(release)
	}()
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.InflightAtCutoff != 4 {
		t.Fatalf("expected 4 in flight at cutoff, got %d", res.InflightAtCutoff)
	}
	if res.Completed != 4 || res.Dispatched != 4 {
		t.Fatalf("in-flight sends must complete: %+v", res)
	}
}

func TestRunnerCancellationStopsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int64
	r := runner.New(runner.Options{
		Workers:   2,
		Total:     10000,
		Requester: &fakeRequester{latency: 2 * time.Millisecond, calls: &calls},
	})
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Dispatched >= 10000 || res.Remaining == 0 {
		t.Fatalf("cancellation did not stop dispatch: %+v", res)
	}
}

func TestRateLimiterCapsThroughput(t *testing.T) {
	var calls int64
	r := runner.New(runner.Options{
		Workers:        8,
		Duration:       200 * time.Millisecond,
		RatePerSecond:  100,
		Requester:      &fakeRequester{latency: 0, calls: &calls},
		LimiterFactory: func(rps int) *rate.Limiter { return rate.NewLimiter(rate.Limit(rps), 1) },
	})
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// 100 rps over 200ms allows about 20 sends plus the initial token.
	if res.Dispatched > 30 {
		t.Fatalf("rate limiter exceeded: %d sends", res.Dispatched)
	}
	if res.Dispatched < 5 {
		t.Fatalf("rate limiter too strict: %d sends", res.Dispatched)
	}
}

func TestPoissonArrivalPacesWindow(t *testing.T) {
	r := runner.New(runner.Options{
		Workers:        4,
		Duration:       200 * time.Millisecond,
		RatePerSecond:  50,
		ArrivalModel:   runner.ArrivalModelPoisson,
		PoissonSampler: func() float64 { return 1 },
		Requester:      runner.RequesterFunc(func(context.Context, int) error { return nil }),
	})
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// 50/s with a fixed sample is one send every 20ms across all workers.
	if res.Dispatched < 5 || res.Dispatched > 15 {
		t.Fatalf("poisson pacing off: %d sends", res.Dispatched)
	}
}

func TestRunnerCountsErrors(t *testing.T) {
	var calls int64
	r := runner.New(runner.Options{
		Workers:   1,
		Total:     6,
		Requester: &fakeRequester{calls: &calls, failAfter: 4},
	})
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Completed != 4 || res.Errors != 2 {
		t.Fatalf("expected 4 ok and 2 errors, got %+v", res)
	}
	if res.Stats.Errors["HTTP 503"] != 2 {
		t.Errorf("expected error breakdown, got %v", res.Stats.Errors)
	}
}

type testLogger struct {
	mu       sync.Mutex
	attempts []int
}

func (l *testLogger) LogFailure(attempt int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, attempt)
}

func TestWithLoggingReportsFailures(t *testing.T) {
	logger := &testLogger{}
	boom := errors.New("boom")
	req := runner.RequesterFunc(func(_ context.Context, attempt int) error {
		if attempt%2 == 1 {
			return boom
		}
		return nil
	})

	r := runner.New(runner.Options{Workers: 1, Total: 4, Requester: runner.WithLogging(req, logger)})
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(logger.attempts) != 2 || logger.attempts[0] != 1 || logger.attempts[1] != 3 {
		t.Fatalf("unexpected logged attempts %v", logger.attempts)
	}
	if runner.WithLogging(req, nil) == nil {
		t.Fatal("nil logger must return the inner requester")
	}
}

func TestRunnerRequiresGovernor(t *testing.T) {
	r := runner.New(runner.Options{Requester: runner.RequesterFunc(func(context.Context, int) error { return nil })})
	if _, err := r.Run(context.Background()); err == nil {
		t.Fatal("expected error without total or duration")
	}
	if _, err := runner.New(runner.Options{Total: 1}).Run(context.Background()); err == nil {
		t.Fatal("expected error without requester")
	}
}

func TestProgressDuringRun(t *testing.T) {
	release := make(chan struct{})
	r := runner.New(runner.Options{
		Workers: 2,
		Total:   2,
		Requester: runner.RequesterFunc(func(ctx context.Context, _ int) error {
			<-release
			return nil
		}),
	})
	done := make(chan runner.Result)
	go func() {
		res, _ := r.Run(context.Background())
		done <- res
	}()

	deadline := time.Now().Add(time.Second)
	for r.Progress().Inflight != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("progress never showed 2 in flight: %+v", r.Progress())
		}
		time.Sleep(time.Millisecond)
	}
	close(release)
	res := <-done
	if p := r.Progress(); p.Inflight != 0 || p.Completed != 2 || res.Completed != 2 {
		t.Fatalf("unexpected final progress %+v", p)
	}
}
