package metrics

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/torosent/relaycheck/internal/auth"
	"github.com/torosent/relaycheck/internal/transport"
)

// Collector records per-send latency and outcome in a thread-safe manner.
type Collector struct {
	mu           sync.Mutex
	hist         *hdrhistogram.Histogram
	successes    int64
	failures     int64
	minLatency   time.Duration
	maxLatency   time.Duration
	sumLatency   time.Duration
	errorsByType map[string]int64
	start        time.Time
}

// Stats represents aggregated send metrics.
type Stats struct {
	Total       int64         `json:"total" yaml:"total"`
	Successes   int64         `json:"successes" yaml:"successes"`
	Failures    int64         `json:"failures" yaml:"failures"`
	MinLatency  time.Duration `json:"-" yaml:"-"`
	MaxLatency  time.Duration `json:"-" yaml:"-"`
	MeanLatency time.Duration `json:"-" yaml:"-"`
	P50Latency  time.Duration `json:"-" yaml:"-"`
	P90Latency  time.Duration `json:"-" yaml:"-"`
	P95Latency  time.Duration `json:"-" yaml:"-"`
	P99Latency  time.Duration `json:"-" yaml:"-"`
	Duration    time.Duration `json:"-" yaml:"-"`
	SendsPerSec float64       `json:"sends_per_sec" yaml:"sends_per_sec"`

	// JSON-friendly millisecond fields.
	MinLatencyMs  float64          `json:"min_latency_ms" yaml:"min_latency_ms"`
	MaxLatencyMs  float64          `json:"max_latency_ms" yaml:"max_latency_ms"`
	MeanLatencyMs float64          `json:"mean_latency_ms" yaml:"mean_latency_ms"`
	P50LatencyMs  float64          `json:"p50_latency_ms" yaml:"p50_latency_ms"`
	P90LatencyMs  float64          `json:"p90_latency_ms" yaml:"p90_latency_ms"`
	P95LatencyMs  float64          `json:"p95_latency_ms" yaml:"p95_latency_ms"`
	P99LatencyMs  float64          `json:"p99_latency_ms" yaml:"p99_latency_ms"`
	DurationMs    float64          `json:"duration_ms" yaml:"duration_ms"`
	Errors        map[string]int64 `json:"errors,omitempty" yaml:"errors,omitempty"`
}

func NewCollector() *Collector {
	// Track latencies from 1µs up to 60s with 3 significant figures.
	h := hdrhistogram.New(1, 60_000_000, 3)
	return &Collector{
		hist:         h,
		errorsByType: make(map[string]int64),
		start:        time.Now(),
	}
}

// Start marks the beginning of the measured window.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.start = time.Now()
}

// Elapsed returns the time since Start (or construction).
func (c *Collector) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.start)
}

// RecordSend records a single send's latency and error state.
func (c *Collector) RecordSend(latency time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if latency > 0 {
		us := latency.Microseconds()
		if us < c.hist.LowestTrackableValue() {
			us = c.hist.LowestTrackableValue()
		}
		if us > c.hist.HighestTrackableValue() {
			us = c.hist.HighestTrackableValue()
		}
		_ = c.hist.RecordValue(us)
	}
	c.sumLatency += latency

	if c.minLatency == 0 || latency < c.minLatency {
		c.minLatency = latency
	}
	if latency > c.maxLatency {
		c.maxLatency = latency
	}

	if err == nil {
		c.successes++
		return
	}
	c.failures++
	c.errorsByType[classify(err)]++
}

// classify names an error for the breakdown, preferring the harness taxonomy.
func classify(err error) string {
	var authErr *auth.AuthError
	var httpErr *transport.HTTPError
	var connErr *transport.ConnectionError
	switch {
	case errors.As(err, &authErr):
		return "auth error"
	case errors.As(err, &httpErr):
		return fmt.Sprintf("HTTP %d", httpErr.StatusCode)
	case errors.As(err, &connErr):
		return "connection error"
	}
	return FriendlyErrorName(fmt.Sprintf("%T", err))
}

// Stats computes and returns current aggregated statistics.
func (c *Collector) Stats(elapsed time.Duration) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.successes + c.failures
	stats := Stats{
		Total:      total,
		Successes:  c.successes,
		Failures:   c.failures,
		MinLatency: c.minLatency,
		MaxLatency: c.maxLatency,
	}

	if total > 0 {
		stats.MeanLatency = time.Duration(int64(c.sumLatency) / total)
	}

	if c.hist.TotalCount() > 0 {
		stats.P50Latency = time.Duration(c.hist.ValueAtQuantile(50)) * time.Microsecond
		stats.P90Latency = time.Duration(c.hist.ValueAtQuantile(90)) * time.Microsecond
		stats.P95Latency = time.Duration(c.hist.ValueAtQuantile(95)) * time.Microsecond
		stats.P99Latency = time.Duration(c.hist.ValueAtQuantile(99)) * time.Microsecond
	}

	stats.MinLatencyMs = toMs(stats.MinLatency)
	stats.MaxLatencyMs = toMs(stats.MaxLatency)
	stats.MeanLatencyMs = toMs(stats.MeanLatency)
	stats.P50LatencyMs = toMs(stats.P50Latency)
	stats.P90LatencyMs = toMs(stats.P90Latency)
	stats.P95LatencyMs = toMs(stats.P95Latency)
	stats.P99LatencyMs = toMs(stats.P99Latency)

	stats.Duration = elapsed
	stats.DurationMs = toMs(elapsed)
	if elapsed > 0 && total > 0 {
		stats.SendsPerSec = float64(total) / elapsed.Seconds()
	}

	if len(c.errorsByType) > 0 {
		stats.Errors = make(map[string]int64, len(c.errorsByType))
		for k, v := range c.errorsByType {
			stats.Errors[k] = v
		}
	}

	return stats
}

func toMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
