package scenario

import (
	"time"

	"github.com/torosent/relaycheck/internal/clientmetrics"
	"github.com/torosent/relaycheck/internal/config"
	"github.com/torosent/relaycheck/internal/metrics"
)

// Status is the outcome of one phase.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// PhaseResult records one executed (or skipped) phase.
type PhaseResult struct {
	Name     string           `json:"name" yaml:"name"`
	Kind     config.PhaseKind `json:"kind" yaml:"kind"`
	Status   Status           `json:"status" yaml:"status"`
	Duration time.Duration    `json:"duration" yaml:"duration"`
	Detail   string           `json:"detail,omitempty" yaml:"detail,omitempty"`
	Error    string           `json:"error,omitempty" yaml:"error,omitempty"`
}

// LoadResult is the outcome of a load phase. It is filled in as soon as the
// runner returns, so a failed settle or bound check still reports it.
type LoadResult struct {
	Phase            string           `json:"phase" yaml:"phase"`
	Conversation     string           `json:"conversation" yaml:"conversation"`
	Sender           string           `json:"sender" yaml:"sender"`
	Mode             string           `json:"mode" yaml:"mode"`
	Workers          int              `json:"workers" yaml:"workers"`
	Dispatched       int64            `json:"dispatched" yaml:"dispatched"`
	Completed        int64            `json:"completed" yaml:"completed"`
	Errors           int64            `json:"errors" yaml:"errors"`
	InflightAtCutoff int64            `json:"inflight_at_cutoff" yaml:"inflight_at_cutoff"`
	Remaining        int              `json:"remaining" yaml:"remaining"`
	Persisted        int              `json:"persisted" yaml:"persisted"`
	Elapsed          time.Duration    `json:"elapsed" yaml:"elapsed"`
	Rate             float64          `json:"rate" yaml:"rate"`
	Stats            metrics.Stats    `json:"stats" yaml:"stats"`
	Receivers        map[string]int   `json:"receivers,omitempty" yaml:"receivers,omitempty"`
	Snapshot         metrics.Snapshot `json:"snapshot" yaml:"snapshot"`
}

// ThresholdResult is one evaluated threshold expression.
type ThresholdResult struct {
	Expression string  `json:"expression" yaml:"expression"`
	Actual     float64 `json:"actual" yaml:"actual"`
	Pass       bool    `json:"pass" yaml:"pass"`
	Message    string  `json:"message" yaml:"message"`
}

// Report is the complete outcome of a run.
type Report struct {
	RunID      string                 `json:"run_id" yaml:"run_id"`
	Started    time.Time              `json:"started" yaml:"started"`
	Duration   time.Duration          `json:"duration" yaml:"duration"`
	Identities []string               `json:"identities" yaml:"identities"`
	Phases     []PhaseResult          `json:"phases" yaml:"phases"`
	Load       *LoadResult            `json:"load,omitempty" yaml:"load,omitempty"`
	Thresholds []ThresholdResult      `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
	Stream     clientmetrics.Snapshot `json:"stream" yaml:"stream"`
	// StreamFailures maps identity names to the error that ended their
	// stream client before the run stopped it.
	StreamFailures map[string]string `json:"stream_failures,omitempty" yaml:"stream_failures,omitempty"`
	Passed         bool              `json:"passed" yaml:"passed"`
}

// Failed returns the phases that did not pass or get skipped.
func (r *Report) Failed() []PhaseResult {
	var out []PhaseResult
	for _, p := range r.Phases {
		if p.Status == StatusFailed {
			out = append(out, p)
		}
	}
	return out
}

func (r *Report) finish() {
	passed := len(r.Phases) > 0
	for _, p := range r.Phases {
		if p.Status != StatusPassed {
			passed = false
		}
	}
	for _, t := range r.Thresholds {
		if !t.Pass {
			passed = false
		}
	}
	r.Passed = passed
}
