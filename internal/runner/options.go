package runner

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/torosent/relaycheck/internal/metrics"
)

// Requester performs one send. attempt is the zero-based attempt index,
// unique for the lifetime of a Run.
type Requester interface {
	Do(ctx context.Context, attempt int) error
}

// RequesterFunc adapts a function to Requester.
type RequesterFunc func(ctx context.Context, attempt int) error

func (f RequesterFunc) Do(ctx context.Context, attempt int) error { return f(ctx, attempt) }

// ArrivalModel selects how sends are paced.
type ArrivalModel string

const (
	ArrivalModelUniform ArrivalModel = "uniform"
	ArrivalModelPoisson ArrivalModel = "poisson"
)

// DefaultMaxAttempts caps a window-mode run when no cap is given.
const DefaultMaxAttempts = 100000

// Options configure the Runner.
type Options struct {
	Workers        int                         // number of pool workers
	Total          int                         // count mode: exact number of attempts
	Duration       time.Duration               // window mode: stop dispatching after this long
	MaxAttempts    int                         // window mode cap on attempts
	RatePerSecond  int                         // shared pacing across workers (0 means unlimited)
	ArrivalModel   ArrivalModel                // uniform (default) or poisson
	PoissonSampler func() float64              // optional; defaults to a seeded ExpFloat64
	RandomSeed     int64                       // seed for the default poisson sampler
	Requester      Requester                   // send executor (required)
	LimiterFactory func(rps int) *rate.Limiter // optional injection for tests
	Collector      *metrics.Collector          // optional; created when nil
}

// windowMode reports whether the run is governed by Duration.
func (o Options) windowMode() bool {
	return o.Total <= 0 && o.Duration > 0
}

// attempts is the number of work items handed to the pool.
func (o Options) attempts() int {
	if o.windowMode() {
		return o.MaxAttempts
	}
	return o.Total
}

func (o *Options) normalize() {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.Total < 0 {
		o.Total = 0
	}
	if o.Duration < 0 {
		o.Duration = 0
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RatePerSecond < 0 {
		o.RatePerSecond = 0
	}
	if o.ArrivalModel == "" {
		o.ArrivalModel = ArrivalModelUniform
	}
	if o.RandomSeed == 0 {
		o.RandomSeed = time.Now().UnixNano()
	}
	if o.LimiterFactory == nil {
		o.LimiterFactory = func(rps int) *rate.Limiter {
			if rps <= 0 {
				return rate.NewLimiter(rate.Inf, 0)
			}
			// Burst equal to rps to smooth pacing under concurrency.
			return rate.NewLimiter(rate.Limit(rps), rps)
		}
	}
	if o.Collector == nil {
		o.Collector = metrics.NewCollector()
	}
}
