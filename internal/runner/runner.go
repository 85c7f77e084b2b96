package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/torosent/relaycheck/internal/metrics"
	"github.com/torosent/relaycheck/internal/pool"
)

// errCutoff marks attempts claimed after the window closed. They never reach
// the Requester and count as remaining, not failed.
var errCutoff = errors.New("runner: dispatch window closed")

// Result captures execution summary.
type Result struct {
	Dispatched       int64            `json:"dispatched" yaml:"dispatched"`
	Completed        int64            `json:"completed" yaml:"completed"`
	Errors           int64            `json:"errors" yaml:"errors"`
	InflightAtCutoff int64            `json:"inflight_at_cutoff" yaml:"inflight_at_cutoff"`
	Remaining        int              `json:"remaining" yaml:"remaining"`
	Duration         time.Duration    `json:"duration" yaml:"duration"`
	Snapshot         metrics.Snapshot `json:"snapshot" yaml:"snapshot"`
	Stats            metrics.Stats    `json:"stats" yaml:"stats"`
	State            string           `json:"state" yaml:"state"`
}

// Progress is a live view of a running load.
type Progress struct {
	Dispatched int64
	Completed  int64
	Errors     int64
	Inflight   int64
	Elapsed    time.Duration
}

// Runner drives sends through a WorkPool with count or window governance.
type Runner struct {
	opt     Options
	arrival arrivalController

	timer atomic.Pointer[metrics.Timer]

	mu               sync.Mutex
	cut              bool
	dispatched       int64
	inflight         int64
	inflightAtCutoff int64

	succeeded atomic.Int64
	errs      atomic.Int64
	skipped   atomic.Int64
}

func New(opt Options) *Runner {
	opt.normalize()
	return &Runner{opt: opt, arrival: newArrivalController(opt)}
}

// Collector exposes the latency collector fed by Run.
func (r *Runner) Collector() *metrics.Collector {
	return r.opt.Collector
}

// Run executes the load and blocks until every in-flight send returned.
// Canceling ctx closes the window early; in-flight sends see the cancellation.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	if r.opt.Requester == nil {
		return Result{}, errors.New("runner: requester is required")
	}
	if r.opt.attempts() <= 0 {
		return Result{}, errors.New("runner: either a total or a duration is required")
	}

	items := make([]int, r.opt.attempts())
	for i := range items {
		items[i] = i
	}

	windowCtx, closeWindow := context.WithCancel(ctx)
	defer closeWindow()

	r.opt.Collector.Start()
	timer := metrics.StartTimer()
	r.timer.Store(timer)

	p, err := pool.Start(ctx, r.opt.Workers, r.handler(windowCtx, timer), items)
	if err != nil {
		return Result{}, err
	}

	var deadline <-chan time.Time
	if r.opt.windowMode() {
		t := time.NewTimer(r.opt.Duration)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case <-p.Done():
	case <-deadline:
		r.cutoff()
		closeWindow()
		p.Pause()
	case <-ctx.Done():
		r.cutoff()
		closeWindow()
		p.Pause()
	}
	p.Wait()

	snap := timer.Snapshot()
	r.mu.Lock()
	res := Result{
		Dispatched:       r.dispatched,
		InflightAtCutoff: r.inflightAtCutoff,
	}
	r.mu.Unlock()
	res.Completed = r.succeeded.Load()
	res.Errors = r.errs.Load()
	res.Remaining = len(p.Remaining()) + int(r.skipped.Load())
	res.Duration = snap.Elapsed
	res.Snapshot = snap
	res.Stats = r.opt.Collector.Stats(snap.Elapsed)
	res.State = p.State().String()
	return res, nil
}

// Progress reports live counters; safe to call while Run is active.
func (r *Runner) Progress() Progress {
	r.mu.Lock()
	p := Progress{Dispatched: r.dispatched, Inflight: r.inflight}
	r.mu.Unlock()
	p.Completed = r.succeeded.Load()
	p.Errors = r.errs.Load()
	if t := r.timer.Load(); t != nil {
		p.Elapsed = t.Elapsed()
	}
	return p
}

func (r *Runner) handler(window context.Context, timer *metrics.Timer) pool.Handler[int, struct{}] {
	return func(ctx context.Context, attempt int) (struct{}, error) {
		if err := r.arrival.Wait(window); err != nil {
			r.skipped.Add(1)
			return struct{}{}, errCutoff
		}
		if !r.admit() {
			r.skipped.Add(1)
			return struct{}{}, errCutoff
		}

		start := time.Now()
		err := r.opt.Requester.Do(ctx, attempt)
		latency := time.Since(start)

		r.mu.Lock()
		r.inflight--
		r.mu.Unlock()

		r.opt.Collector.RecordSend(latency, err)
		if err != nil {
			r.errs.Add(1)
			return struct{}{}, err
		}
		r.succeeded.Add(1)
		timer.Add(1)
		return struct{}{}, nil
	}
}

// admit counts a dispatch unless the window already closed. The check and
// the increment share the cutoff lock so InflightAtCutoff is exact.
func (r *Runner) admit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cut {
		return false
	}
	r.dispatched++
	r.inflight++
	return true
}

func (r *Runner) cutoff() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cut {
		return
	}
	r.cut = true
	r.inflightAtCutoff = r.inflight
}
