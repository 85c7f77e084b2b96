// Package threshold turns "metric:aggregate op value" expressions into pass or
// fail verdicts over the outcome of a load phase.
package threshold

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/torosent/relaycheck/internal/metrics"
)

// Sample is what a load phase measured: the send statistics plus how much
// of it the backend persisted and fanned out to each recipient's stream.
type Sample struct {
	Stats            metrics.Stats
	Dispatched       int64
	Completed        int64
	InflightAtCutoff int64
	Persisted        int
	// Receivers counts load events per recipient; nil when no streams ran.
	Receivers map[string]int
}

// extract returns the measured value, or a reason it cannot be measured.
type extract func(Sample) (float64, string)

func always(f func(Sample) float64) extract {
	return func(s Sample) (float64, string) { return f(s), "" }
}

func ms(f func(metrics.Stats) float64) extract {
	return always(func(s Sample) float64 { return f(s.Stats) })
}

// perCompleted divides n by the completed sends; it is undefined before any
// send completed.
func perCompleted(n func(Sample) float64) extract {
	return func(s Sample) (float64, string) {
		if s.Completed == 0 {
			return 0, "no completed sends"
		}
		return n(s) / float64(s.Completed), ""
	}
}

func slowestReceiver(s Sample) (string, int, bool) {
	if len(s.Receivers) == 0 {
		return "", 0, false
	}
	name, low := "", math.MaxInt
	for n, c := range s.Receivers {
		if c < low || (c == low && n < name) {
			name, low = n, c
		}
	}
	return name, low, true
}

// registry maps each metric to its aggregates.
var registry = map[string]map[string]extract{
	"send_duration": {
		"p50":  ms(func(st metrics.Stats) float64 { return st.P50LatencyMs }),
		"p90":  ms(func(st metrics.Stats) float64 { return st.P90LatencyMs }),
		"p95":  ms(func(st metrics.Stats) float64 { return st.P95LatencyMs }),
		"p99":  ms(func(st metrics.Stats) float64 { return st.P99LatencyMs }),
		"avg":  ms(func(st metrics.Stats) float64 { return st.MeanLatencyMs }),
		"mean": ms(func(st metrics.Stats) float64 { return st.MeanLatencyMs }),
		"min":  ms(func(st metrics.Stats) float64 { return st.MinLatencyMs }),
		"max":  ms(func(st metrics.Stats) float64 { return st.MaxLatencyMs }),
	},
	"send_failed": {
		"count": always(func(s Sample) float64 { return float64(s.Stats.Failures) }),
		"rate": always(func(s Sample) float64 {
			if s.Stats.Total == 0 {
				return 0
			}
			return float64(s.Stats.Failures) / float64(s.Stats.Total)
		}),
	},
	"sends": {
		"count": always(func(s Sample) float64 { return float64(s.Stats.Total) }),
		"rate":  always(func(s Sample) float64 { return s.Stats.SendsPerSec }),
	},
	"persisted": {
		"count": always(func(s Sample) float64 { return float64(s.Persisted) }),
		"ratio": perCompleted(func(s Sample) float64 { return float64(s.Persisted) }),
	},
	"inflight_at_cutoff": {
		"count": always(func(s Sample) float64 { return float64(s.InflightAtCutoff) }),
	},
	"delivery": {
		"min_count": func(s Sample) (float64, string) {
			_, low, ok := slowestReceiver(s)
			if !ok {
				return 0, "no stream receivers"
			}
			return float64(low), ""
		},
		"min_ratio": func(s Sample) (float64, string) {
			_, low, ok := slowestReceiver(s)
			if !ok {
				return 0, "no stream receivers"
			}
			return perCompleted(func(Sample) float64 { return float64(low) })(s)
		},
	},
}

const epsilon = 1e-9

var operators = map[string]func(actual, want float64) bool{
	"<":  func(a, w float64) bool { return a < w },
	"<=": func(a, w float64) bool { return a <= w+epsilon },
	">":  func(a, w float64) bool { return a > w },
	">=": func(a, w float64) bool { return a >= w-epsilon },
	"==": func(a, w float64) bool { return math.Abs(a-w) < epsilon },
	"!=": func(a, w float64) bool { return math.Abs(a-w) >= epsilon },
}

var pattern = regexp.MustCompile(`^([a-z_]+):([a-z0-9_]+)\s*(<=|>=|==|!=|<|>)\s*([0-9]*\.?[0-9]+)$`)

// Threshold is one parsed expression, e.g. "delivery:min_ratio >= 0.99".
type Threshold struct {
	Metric    string
	Aggregate string
	Operator  string
	Value     float64
	Raw       string

	extract extract
	compare func(actual, want float64) bool
}

// Result is the verdict of one Threshold on one Sample.
type Result struct {
	Threshold Threshold
	Actual    float64
	Pass      bool
	Message   string
}

// Parse reads a single expression. Latencies are milliseconds, rates and
// ratios are fractions in [0, 1] except sends:rate, which is sends per second.
func Parse(expr string) (Threshold, error) {
	expr = strings.TrimSpace(expr)
	m := pattern.FindStringSubmatch(expr)
	if m == nil {
		return Threshold{}, fmt.Errorf("invalid threshold %q: want metric:aggregate op value, e.g. send_duration:p95 < 500", expr)
	}
	aggregates, ok := registry[m[1]]
	if !ok {
		return Threshold{}, fmt.Errorf("unsupported metric %q (supported: %s)", m[1], strings.Join(sortedKeys(registry), ", "))
	}
	fn, ok := aggregates[m[2]]
	if !ok {
		return Threshold{}, fmt.Errorf("unsupported aggregate %q for %s (supported: %s)", m[2], m[1], strings.Join(sortedKeys(aggregates), ", "))
	}
	value, err := strconv.ParseFloat(m[4], 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold value %q: %w", m[4], err)
	}
	return Threshold{
		Metric:    m[1],
		Aggregate: m[2],
		Operator:  m[3],
		Value:     value,
		Raw:       expr,
		extract:   fn,
		compare:   operators[m[3]],
	}, nil
}

// ParseAll parses every expression and reports all invalid ones together.
func ParseAll(exprs []string) ([]Threshold, error) {
	out := make([]Threshold, 0, len(exprs))
	var errs []error
	for i, expr := range exprs {
		t, err := Parse(expr)
		if err != nil {
			errs = append(errs, fmt.Errorf("threshold[%d]: %w", i, err))
			continue
		}
		out = append(out, t)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// Evaluate judges every threshold against s. A value that cannot be measured
// fails its threshold.
func Evaluate(ts []Threshold, s Sample) []Result {
	results := make([]Result, 0, len(ts))
	for _, t := range ts {
		actual, missing := t.extract(s)
		if missing != "" {
			results = append(results, Result{Threshold: t, Message: fmt.Sprintf("✗ %s: %s", t.Raw, missing)})
			continue
		}
		pass := t.compare(actual, t.Value)
		mark := "✓"
		if !pass {
			mark = "✗"
		}
		msg := fmt.Sprintf("%s %s: %.2f %s %.2f", mark, t.Raw, actual, t.Operator, t.Value)
		if t.Metric == "delivery" && !pass {
			name, _, _ := slowestReceiver(s)
			msg += " (slowest: " + name + ")"
		}
		results = append(results, Result{Threshold: t, Actual: actual, Pass: pass, Message: msg})
	}
	return results
}

// Passed reports whether every result passed. No results means passed.
func Passed(results []Result) bool {
	for _, r := range results {
		if !r.Pass {
			return false
		}
	}
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
