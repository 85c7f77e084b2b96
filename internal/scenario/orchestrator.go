// Package scenario runs a relaycheck scenario: identities are registered and
// logged in, stream clients connect, and delivery, load and receipt phases
// make bounded assertions against the backend.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/torosent/relaycheck/internal/auth"
	"github.com/torosent/relaycheck/internal/chatapi"
	"github.com/torosent/relaycheck/internal/config"
	"github.com/torosent/relaycheck/internal/feeder"
	"github.com/torosent/relaycheck/internal/runner"
	"github.com/torosent/relaycheck/internal/stream"
	"github.com/torosent/relaycheck/internal/threshold"
	"github.com/torosent/relaycheck/internal/tracing"
	"github.com/torosent/relaycheck/internal/transport"
)

// Orchestrator drives the phases of one scenario. It is a single control
// flow; concurrency lives in the pools and stream clients it starts.
type Orchestrator struct {
	cfg        config.Config
	runID      string
	log        zerolog.Logger
	tracer     trace.Tracer
	propagate  bool
	httpClient *http.Client
	failures   runner.FailureLogger
	thresholds []threshold.Threshold

	auth *auth.Client
	api  *chatapi.Client

	fanout *stream.Fanout

	mu         sync.Mutex
	identities []auth.Identity
	load       *runner.Runner
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithTracer sets the tracer for phase and call spans. propagate injects
// trace context into outgoing requests.
func WithTracer(tracer trace.Tracer, propagate bool) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
		o.propagate = propagate
	}
}

// WithHTTPClient replaces the HTTP client shared by every collaborator call.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithFailureLogger receives every failed load send.
func WithFailureLogger(l runner.FailureLogger) Option {
	return func(o *Orchestrator) { o.failures = l }
}

// WithRunID fixes the run id instead of generating one.
func WithRunID(id string) Option {
	return func(o *Orchestrator) {
		if strings.TrimSpace(id) != "" {
			o.runID = id
		}
	}
}

// New prepares a run of cfg. Thresholds are parsed here so a bad expression
// fails before anything touches the backend.
func New(cfg config.Config, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:    cfg,
		runID:  ulid.Make().String(),
		log:    zerolog.Nop(),
		tracer: noop.NewTracerProvider().Tracer("relaycheck"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.httpClient == nil {
		o.httpClient = transport.NewHTTPClient(cfg.Timeout)
	}

	parsed, err := threshold.ParseAll(cfg.Thresholds)
	if err != nil {
		return nil, err
	}
	o.thresholds = parsed

	o.auth = auth.NewClient(cfg.AuthURL, o.httpClient,
		auth.WithTokenPath(cfg.TokenPath),
		auth.WithTracePropagation(o.propagate))
	o.api = chatapi.NewClient(cfg.APIURL, o.httpClient,
		chatapi.WithTracePropagation(o.propagate))
	o.log = o.log.With().Str("run_id", o.runID).Logger()
	return o, nil
}

// RunID identifies this run in names, texts and spans.
func (o *Orchestrator) RunID() string { return o.runID }

// Identities returns the roster as last seen, tokens included after login.
func (o *Orchestrator) Identities() []auth.Identity {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]auth.Identity, len(o.identities))
	copy(out, o.identities)
	return out
}

// LoadProgress reports the live counters of the running load phase.
func (o *Orchestrator) LoadProgress() (runner.Progress, bool) {
	o.mu.Lock()
	r := o.load
	o.mu.Unlock()
	if r == nil {
		return runner.Progress{}, false
	}
	return r.Progress(), true
}

type phaseFunc func(ctx context.Context, p config.PhaseConfig, rep *Report) (string, error)

// Run executes every phase in order. The first failing phase aborts the
// rest, which are reported as skipped. The report is always returned; the
// error is reserved for failures before the first phase starts.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	rep := &Report{RunID: o.runID, Started: time.Now()}
	defer func() { rep.Duration = time.Since(rep.Started) }()

	ids, err := buildRoster(ctx, o.cfg.Identities, o.runID)
	if err != nil {
		return rep, err
	}
	o.setIdentities(ids)
	for _, id := range ids {
		rep.Identities = append(rep.Identities, id.Name)
	}
	defer o.stopStreams(rep)

	aborted := false
	for _, p := range o.cfg.Phases {
		if aborted || ctx.Err() != nil {
			rep.Phases = append(rep.Phases, PhaseResult{Name: p.DisplayName(), Kind: p.Kind, Status: StatusSkipped})
			continue
		}
		res := o.runPhase(ctx, p, rep)
		rep.Phases = append(rep.Phases, res)
		if res.Status == StatusFailed {
			aborted = true
		}
	}

	o.evaluateThresholds(rep)
	rep.finish()
	return rep, nil
}

func (o *Orchestrator) runPhase(ctx context.Context, p config.PhaseConfig, rep *Report) PhaseResult {
	name := p.DisplayName()
	log := o.log.With().Str("phase", name).Str("kind", string(p.Kind)).Logger()
	log.Info().Msg("phase started")

	ctx, span := tracing.StartPhaseSpan(ctx, o.tracer, string(p.Kind), name)

	// Connect keeps its clients running after the phase returns, so its
	// timeout bounds only the handshakes.
	if p.Timeout > 0 && p.Kind != config.PhaseConnect {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	start := time.Now()
	detail, err := o.phase(p.Kind)(ctx, p, rep)
	res := PhaseResult{
		Name:     name,
		Kind:     p.Kind,
		Status:   StatusPassed,
		Duration: time.Since(start),
		Detail:   detail,
	}
	tracing.EndSpan(span, err)

	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		log.Error().Err(err).Dur("duration", res.Duration).Msg("phase failed")
		return res
	}
	log.Info().Dur("duration", res.Duration).Str("detail", detail).Msg("phase passed")
	return res
}

func (o *Orchestrator) phase(kind config.PhaseKind) phaseFunc {
	switch kind {
	case config.PhaseRegister:
		return o.register
	case config.PhaseLogin:
		return o.login
	case config.PhaseConnect:
		return o.connect
	case config.PhaseP2P:
		return o.p2p
	case config.PhaseGroup:
		return o.group
	case config.PhaseLoad:
		return o.runLoad
	case config.PhaseReceipts:
		return o.receipts
	default:
		return func(context.Context, config.PhaseConfig, *Report) (string, error) {
			return "", fmt.Errorf("unknown phase kind %q", kind)
		}
	}
}

func (o *Orchestrator) stopStreams(rep *Report) {
	if o.fanout == nil {
		return
	}
	o.fanout.Stop()
	rep.Stream = o.fanout.Metrics()
	for name, err := range o.fanout.Failed() {
		if rep.StreamFailures == nil {
			rep.StreamFailures = make(map[string]string)
		}
		rep.StreamFailures[name] = err.Error()
		o.log.Warn().Str("identity", name).Err(err).Msg("stream client failed")
	}
}

func (o *Orchestrator) evaluateThresholds(rep *Report) {
	if len(o.thresholds) == 0 {
		return
	}
	if rep.Load == nil {
		for _, t := range o.thresholds {
			rep.Thresholds = append(rep.Thresholds, ThresholdResult{
				Expression: t.Raw,
				Message:    fmt.Sprintf("✗ %s: no load statistics", t.Raw),
			})
		}
		return
	}
	results := threshold.Evaluate(o.thresholds, sampleOf(rep.Load))
	for _, r := range results {
		rep.Thresholds = append(rep.Thresholds, ThresholdResult{
			Expression: r.Threshold.Raw,
			Actual:     r.Actual,
			Pass:       r.Pass,
			Message:    r.Message,
		})
	}
}

// sampleOf is what thresholds see of a load phase. The sender's own inbox is
// not a delivery target, so it is left out of the receivers.
func sampleOf(l *LoadResult) threshold.Sample {
	s := threshold.Sample{
		Stats:            l.Stats,
		Dispatched:       l.Dispatched,
		Completed:        l.Completed,
		InflightAtCutoff: l.InflightAtCutoff,
		Persisted:        l.Persisted,
	}
	for name, n := range l.Receivers {
		if name == l.Sender {
			continue
		}
		if s.Receivers == nil {
			s.Receivers = make(map[string]int, len(l.Receivers))
		}
		s.Receivers[name] = n
	}
	return s
}

// identity resolves a roster index; file rosters are only sized at run time.
func (o *Orchestrator) identity(i int) (auth.Identity, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i < 0 || i >= len(o.identities) {
		return auth.Identity{}, fmt.Errorf("identity %d is outside the roster of %d", i, len(o.identities))
	}
	return o.identities[i], nil
}

func (o *Orchestrator) setIdentities(ids []auth.Identity) {
	o.mu.Lock()
	o.identities = ids
	o.mu.Unlock()
}

// members resolves a member list; empty means the whole roster.
func (o *Orchestrator) members(idx []int) ([]auth.Identity, error) {
	if len(idx) == 0 {
		return o.Identities(), nil
	}
	out := make([]auth.Identity, 0, len(idx))
	for _, i := range idx {
		id, err := o.identity(i)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func (o *Orchestrator) streams() (*stream.Fanout, error) {
	if o.fanout == nil {
		return nil, errors.New("no stream clients are connected")
	}
	return o.fanout, nil
}

// render expands {{run}}, {{phase}} and {{sender}} in a message template.
func (o *Orchestrator) render(text string, p config.PhaseConfig, sender string) string {
	return feeder.SubstitutePlaceholders(text, feeder.Record{
		"run":    o.runID,
		"phase":  p.DisplayName(),
		"sender": sender,
	})
}

func (o *Orchestrator) wait(p config.PhaseConfig) time.Duration {
	if p.Wait > 0 {
		return p.Wait
	}
	return o.cfg.Timeout
}

// call wraps one collaborator call in a client span.
func (o *Orchestrator) call(ctx context.Context, op, who string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.StartCallSpan(ctx, o.tracer, op, who)
	err := fn(ctx)
	tracing.EndSpan(span, err)
	return err
}
