package runner

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// arrivalController paces sends across all workers of one run.
type arrivalController interface {
	Wait(ctx context.Context) error
}

func newArrivalController(opt Options) arrivalController {
	switch opt.ArrivalModel {
	case ArrivalModelPoisson:
		sampler := opt.PoissonSampler
		if sampler == nil {
			sampler = rand.New(rand.NewSource(opt.RandomSeed)).ExpFloat64
		}
		rps := float64(opt.RatePerSecond)
		if rps < 0 {
			rps = 0
		}
		return &poissonArrival{rate: rps, sample: sampler}
	default:
		return &uniformArrival{limiter: opt.LimiterFactory(opt.RatePerSecond)}
	}
}

// uniformArrival delegates pacing to a rate.Limiter (uniform spacing).
type uniformArrival struct {
	limiter *rate.Limiter
}

func (u *uniformArrival) Wait(ctx context.Context) error {
	if u == nil || u.limiter == nil {
		return nil
	}
	return u.limiter.Wait(ctx)
}

// poissonArrival samples exponential inter-arrival times to approximate a
// Poisson process. Arrivals are reserved on one shared schedule so the
// aggregate rate does not grow with the worker count.
type poissonArrival struct {
	mu     sync.Mutex
	rate   float64
	sample func() float64
	next   time.Time
}

func (p *poissonArrival) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	delay := p.reserve()
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// reserve claims the next arrival slot and returns how long until it.
func (p *poissonArrival) reserve() time.Duration {
	delay := p.nextDelay()
	if delay <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if p.next.Before(now) {
		p.next = now
	}
	p.next = p.next.Add(delay)
	return p.next.Sub(now)
}

func (p *poissonArrival) nextDelay() time.Duration {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rate <= 0 || p.sample == nil {
		return 0
	}

	value := p.sample()
	delay := float64(time.Second) * value / p.rate
	if delay > math.MaxInt64 {
		delay = math.MaxInt64
	}
	return time.Duration(delay)
}
