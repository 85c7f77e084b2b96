package output

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/torosent/relaycheck/internal/runner"
)

// ProgressSource reports live load counters; ok is false while no load runs.
type ProgressSource func() (p runner.Progress, ok bool)

// ProgressReporter displays real-time progress updates.
type ProgressReporter struct {
	source   ProgressSource
	ticker   *time.Ticker
	done     chan struct{}
	finished chan struct{}
	writer   io.Writer
	active   int32
	wrote    bool
}

// NewProgressReporter creates a progress reporter that updates at the given interval.
func NewProgressReporter(source ProgressSource, interval time.Duration, writer io.Writer) *ProgressReporter {
	if writer == nil {
		writer = io.Discard
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &ProgressReporter{
		source:   source,
		ticker:   time.NewTicker(interval),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		writer:   writer,
	}
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressReporter) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return // already running
	}
	go p.run()
}

// Stop halts progress updates and ends the progress line.
func (p *ProgressReporter) Stop() {
	if atomic.CompareAndSwapInt32(&p.active, 1, 2) {
		close(p.done)
		p.ticker.Stop()
		<-p.finished
		if p.wrote {
			fmt.Fprintln(p.writer)
		}
		return
	}
	p.ticker.Stop()
}

func (p *ProgressReporter) run() {
	defer close(p.finished)
	for {
		select {
		case <-p.ticker.C:
			prog, ok := p.source()
			if !ok {
				continue
			}
			fmt.Fprint(p.writer, FormatProgress(prog))
			p.wrote = true
		case <-p.done:
			return
		}
	}
}

// FormatProgress renders one carriage-return-prefixed progress line.
func FormatProgress(prog runner.Progress) string {
	rate := 0.0
	if prog.Elapsed > 0 {
		rate = float64(prog.Completed) / prog.Elapsed.Seconds()
	}
	return fmt.Sprintf("\rSends: %d | Completed: %d | Failed: %d | In flight: %d | Rate: %.1f/s | %s",
		prog.Dispatched, prog.Completed, prog.Errors, prog.Inflight, rate, prog.Elapsed.Round(time.Second))
}
