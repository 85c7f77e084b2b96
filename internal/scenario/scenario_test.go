package scenario_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/torosent/relaycheck/internal/auth"
	"github.com/torosent/relaycheck/internal/backendtest"
	"github.com/torosent/relaycheck/internal/config"
	"github.com/torosent/relaycheck/internal/scenario"
)

func testConfig(srv *backendtest.Server, phases ...config.PhaseConfig) config.Config {
	return configAt(srv.URL(), phases...)
}

func configAt(base string, phases ...config.PhaseConfig) config.Config {
	cfg := *config.Defaults()
	cfg.AuthURL = base + "/api/auth"
	cfg.APIURL = base
	cfg.StreamURL = "ws" + strings.TrimPrefix(base, "http") + "/ws/"
	cfg.Timeout = 2 * time.Second
	cfg.PollInterval = 10 * time.Millisecond
	cfg.EchoWindow = 50 * time.Millisecond
	if len(phases) == 0 {
		phases = config.DefaultPhases()
	}
	cfg.Phases = phases
	return cfg
}

func phase(kind config.PhaseKind, edit func(*config.PhaseConfig)) config.PhaseConfig {
	p := config.DefaultPhase(kind)
	if edit != nil {
		edit(&p)
	}
	return p
}

func connected() []config.PhaseConfig {
	return []config.PhaseConfig{
		phase(config.PhaseRegister, nil),
		phase(config.PhaseLogin, nil),
		phase(config.PhaseConnect, nil),
	}
}

func run(t *testing.T, cfg config.Config, opts ...scenario.Option) *scenario.Report {
	t.Helper()
	o, err := scenario.New(cfg, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	rep, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return rep
}

func statuses(rep *scenario.Report) []scenario.Status {
	out := make([]scenario.Status, len(rep.Phases))
	for i, p := range rep.Phases {
		out[i] = p.Status
	}
	return out
}

func TestDefaultFlowPasses(t *testing.T) {
	srv := backendtest.Start()
	defer srv.Close()

	rep := run(t, testConfig(srv), scenario.WithRunID("01HZX3J9W8B6V2T4Q7R5N0M1KC"))
	if !rep.Passed {
		t.Fatalf("expected pass, got %+v", rep.Phases)
	}
	if len(rep.Phases) != 5 {
		t.Fatalf("expected 5 phases, got %d", len(rep.Phases))
	}
	if rep.RunID != "01HZX3J9W8B6V2T4Q7R5N0M1KC" {
		t.Errorf("run id not kept: %s", rep.RunID)
	}
	for i, name := range rep.Identities {
		if !strings.HasSuffix(name, "-r5n0m1kc") || !strings.HasPrefix(name, "user") {
			t.Errorf("identity %d has unexpected name %q", i, name)
		}
	}
	if rep.Stream.FramesReceived == 0 {
		t.Errorf("expected stream frames in the report, got %+v", rep.Stream)
	}
	if rep.Load != nil {
		t.Errorf("no load phase ran, got %+v", rep.Load)
	}
}

func TestRunTwiceAgainstSameBackend(t *testing.T) {
	srv := backendtest.Start()
	defer srv.Close()
	cfg := testConfig(srv)
	cfg.Phases = []config.PhaseConfig{phase(config.PhaseRegister, nil), phase(config.PhaseLogin, nil)}

	first := run(t, cfg, scenario.WithRunID("01HZX3J9W8B6V2T4Q7R5N0M1KC"))
	second := run(t, cfg, scenario.WithRunID("01HZX3J9W8B6V2T4Q7R5N0M1KC"))
	if !first.Passed || !second.Passed {
		t.Fatalf("registration must be idempotent: %+v / %+v", first.Phases, second.Phases)
	}
	if !strings.Contains(second.Phases[0].Detail, "3 already existed") {
		t.Errorf("unexpected register detail %q", second.Phases[0].Detail)
	}
}

func TestSelfEchoPolicy(t *testing.T) {
	tests := []struct {
		name     string
		echo     bool
		policy   config.SelfEchoPolicy
		wantPass bool
	}{
		{"forbid without echo", false, config.SelfEchoForbid, true},
		{"forbid with echo", true, config.SelfEchoForbid, false},
		{"expect with echo", true, config.SelfEchoExpect, true},
		{"expect without echo", false, config.SelfEchoExpect, false},
		{"ignore with echo", true, config.SelfEchoIgnore, true},
		{"ignore without echo", false, config.SelfEchoIgnore, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := backendtest.Start(backendtest.WithSelfEcho(tt.echo))
			defer srv.Close()

			phases := append(connected(), phase(config.PhaseGroup, func(p *config.PhaseConfig) {
				p.Sender = 1
				p.Wait = 300 * time.Millisecond
			}))
			cfg := testConfig(srv, phases...)
			cfg.SelfEcho = tt.policy

			rep := run(t, cfg)
			if rep.Passed != tt.wantPass {
				t.Fatalf("Passed = %v, want %v: %+v", rep.Passed, tt.wantPass, rep.Phases)
			}
		})
	}
}

func TestDroppedDeliveryAbortsRemainingPhases(t *testing.T) {
	srv := backendtest.Start(backendtest.WithDeliveryFilter(func(recipient, text string) bool {
		return !strings.HasPrefix(recipient, "user1-")
	}))
	defer srv.Close()

	phases := append(connected(),
		phase(config.PhaseP2P, func(p *config.PhaseConfig) { p.Wait = 200 * time.Millisecond }),
		phase(config.PhaseGroup, nil),
	)
	rep := run(t, testConfig(srv, phases...))

	if rep.Passed {
		t.Fatal("expected failure when the recipient never receives")
	}
	want := []scenario.Status{scenario.StatusPassed, scenario.StatusPassed, scenario.StatusPassed, scenario.StatusFailed, scenario.StatusSkipped}
	got := statuses(rep)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", got, want)
		}
	}
	failed := rep.Failed()
	if len(failed) != 1 || !strings.Contains(failed[0].Error, "timed out") {
		t.Errorf("expected an assertion timeout, got %+v", failed)
	}
}

func TestP2PStreamMode(t *testing.T) {
	srv := backendtest.Start()
	defer srv.Close()

	phases := append(connected(), phase(config.PhaseP2P, func(p *config.PhaseConfig) {
		p.Mode = config.P2PModeStream
		p.Text = "direct-{{run}}"
	}))
	rep := run(t, testConfig(srv, phases...))
	if !rep.Passed {
		t.Fatalf("expected pass, got %+v", rep.Phases)
	}
	if !strings.Contains(rep.Phases[3].Detail, "over stream") {
		t.Errorf("unexpected detail %q", rep.Phases[3].Detail)
	}
}

func TestLoadCountMode(t *testing.T) {
	srv := backendtest.Start()
	defer srv.Close()

	phases := append(connected(), phase(config.PhaseLoad, func(p *config.PhaseConfig) {
		p.Workers = 4
		p.Total = 40
		p.Settle = 2 * time.Second
	}))
	cfg := testConfig(srv, phases...)
	cfg.Thresholds = []string{
		"sends:count == 40",
		"send_failed:count == 0",
		"persisted:ratio == 1",
		"inflight_at_cutoff:count == 0",
		"delivery:min_ratio <= 1",
	}

	var mu sync.Mutex
	var failures []error
	rep := run(t, cfg, scenario.WithFailureLogger(failureFunc(func(_ int, err error) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	})))

	if !rep.Passed {
		t.Fatalf("expected pass, got %+v thresholds %+v", rep.Phases, rep.Thresholds)
	}
	load := rep.Load
	if load == nil {
		t.Fatal("expected a load result")
	}
	if load.Mode != "count" || load.Dispatched != 40 || load.Completed != 40 || load.Persisted != 40 {
		t.Fatalf("unexpected load result %+v", load)
	}
	if srv.HistoryLen(load.Conversation) != 40 {
		t.Errorf("backend stored %d messages", srv.HistoryLen(load.Conversation))
	}
	for name, n := range load.Receivers {
		if int64(n) > load.Completed {
			t.Errorf("%s received %d load events", name, n)
		}
	}
	if len(rep.Thresholds) != 5 {
		t.Fatalf("unexpected thresholds %+v", rep.Thresholds)
	}
	for _, th := range rep.Thresholds {
		if !th.Pass {
			t.Errorf("threshold failed: %s", th.Message)
		}
	}
	if load.Sender == "" || load.Receivers[load.Sender] != 0 {
		t.Errorf("sender should receive no load events: %q %v", load.Sender, load.Receivers)
	}
	if len(failures) != 0 {
		t.Errorf("unexpected send failures %v", failures)
	}
}

func TestLoadWindowModeWithSlowBackend(t *testing.T) {
	srv := backendtest.Start(backendtest.WithPostDelay(5 * time.Millisecond))
	defer srv.Close()

	phases := []config.PhaseConfig{
		phase(config.PhaseRegister, nil),
		phase(config.PhaseLogin, nil),
		phase(config.PhaseLoad, func(p *config.PhaseConfig) {
			p.Workers = 6
			p.Duration = 150 * time.Millisecond
			p.MaxAttempts = 10000
			p.Settle = 2 * time.Second
		}),
	}
	rep := run(t, testConfig(srv, phases...))
	if !rep.Passed {
		t.Fatalf("expected pass, got %+v", rep.Phases)
	}
	load := rep.Load
	if load.Mode != "window" || load.Completed == 0 {
		t.Fatalf("unexpected load result %+v", load)
	}
	if int64(load.Persisted) < load.Completed-load.InflightAtCutoff || int64(load.Persisted) > load.Dispatched {
		t.Errorf("persisted %d outside [%d, %d]", load.Persisted, load.Completed-load.InflightAtCutoff, load.Dispatched)
	}
	if load.Receivers != nil {
		t.Errorf("no stream clients were connected, got receivers %v", load.Receivers)
	}
}

func TestLoadFailuresAreReported(t *testing.T) {
	backend := backendtest.New()
	var posts atomic.Int64
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages") && posts.Add(1)%2 == 0 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		backend.Handler().ServeHTTP(w, r)
	}))
	defer flaky.Close()
	defer backend.Close()

	phases := []config.PhaseConfig{
		phase(config.PhaseRegister, nil),
		phase(config.PhaseLogin, nil),
		phase(config.PhaseLoad, func(p *config.PhaseConfig) {
			p.Workers = 2
			p.Total = 6
		}),
	}
	cfg := configAt(flaky.URL, phases...)
	cfg.Thresholds = []string{"send_failed:rate < 0.5"}

	var logged atomic.Int64
	rep := run(t, cfg, scenario.WithFailureLogger(failureFunc(func(int, error) { logged.Add(1) })))

	if rep.Phases[2].Status != scenario.StatusPassed {
		t.Fatalf("load bounds should hold despite failures: %+v", rep.Phases[2])
	}
	if rep.Passed {
		t.Fatalf("threshold should fail the run: %+v", rep.Thresholds)
	}
	if rep.Load.Errors != 3 || rep.Load.Completed != 3 || rep.Load.Persisted != 3 {
		t.Errorf("unexpected load result %+v", rep.Load)
	}
	if rep.Load.Stats.Errors["HTTP 503"] != 3 {
		t.Errorf("unexpected error breakdown %v", rep.Load.Stats.Errors)
	}
	if logged.Load() != 3 {
		t.Errorf("expected 3 logged failures, got %d", logged.Load())
	}
}

func TestReceiptsPhase(t *testing.T) {
	srv := backendtest.Start()
	defer srv.Close()

	phases := []config.PhaseConfig{
		phase(config.PhaseRegister, nil),
		phase(config.PhaseLogin, nil),
		phase(config.PhaseReceipts, nil),
	}
	rep := run(t, testConfig(srv, phases...))
	if !rep.Passed {
		t.Fatalf("expected pass, got %+v", rep.Phases)
	}
	if !strings.Contains(rep.Phases[2].Detail, "2 recipients") {
		t.Errorf("unexpected detail %q", rep.Phases[2].Detail)
	}
}

func TestRosterFile(t *testing.T) {
	srv := backendtest.Start()
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "roster.csv")
	if err := os.WriteFile(path, []byte("username,password\nann,pw1\nben,\ncat,pw3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(srv)
	cfg.Identities.File = path

	rep := run(t, cfg)
	if !rep.Passed {
		t.Fatalf("expected pass, got %+v", rep.Phases)
	}
	if strings.Join(rep.Identities, ",") != "ann,ben,cat" {
		t.Errorf("unexpected identities %v", rep.Identities)
	}
}

func TestLoginFailureSkipsTokenPhases(t *testing.T) {
	srv := backendtest.Start()
	defer srv.Close()

	// The roster password differs from the one the account was created with.
	taken := auth.Identity{Name: "dora", Password: "original"}
	if _, err := auth.NewClient(srv.AuthURL(), nil).Register(context.Background(), taken); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "roster.json")
	if err := os.WriteFile(path, []byte(`[{"username":"dora","password":"wrong"},{"username":"eli","password":"pw"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(srv)
	cfg.Identities.File = path

	rep := run(t, cfg)
	got := statuses(rep)
	if got[0] != scenario.StatusPassed || got[1] != scenario.StatusFailed || got[2] != scenario.StatusSkipped {
		t.Fatalf("unexpected statuses %v", got)
	}
	if !strings.Contains(rep.Phases[1].Error, "dora") || !strings.Contains(rep.Phases[1].Error, "Auth error") {
		t.Errorf("login error should name the identity and kind: %s", rep.Phases[1].Error)
	}
}

func TestThresholdsWithoutLoadFail(t *testing.T) {
	srv := backendtest.Start()
	defer srv.Close()
	cfg := testConfig(srv, phase(config.PhaseRegister, nil))
	cfg.Thresholds = []string{"sends:rate > 1"}

	rep := run(t, cfg)
	if rep.Passed || len(rep.Thresholds) != 1 || rep.Thresholds[0].Pass {
		t.Fatalf("threshold without load data must fail: %+v", rep.Thresholds)
	}
}

func TestNewRejectsBadThreshold(t *testing.T) {
	cfg := *config.Defaults()
	cfg.Thresholds = []string{"latency < 5"}
	if _, err := scenario.New(cfg); err == nil {
		t.Fatal("expected threshold parse error")
	}
}

func TestRunReportsRosterError(t *testing.T) {
	cfg := *config.Defaults()
	cfg.Identities.File = filepath.Join(t.TempDir(), "missing.csv")
	o, err := scenario.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	rep, err := o.Run(context.Background())
	if err == nil || rep == nil || rep.Passed {
		t.Fatalf("expected roster error with a report, got %v %+v", err, rep)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected a not-exist error, got %v", err)
	}
}

type failureFunc func(attempt int, err error)

func (f failureFunc) LogFailure(attempt int, err error) { f(attempt, err) }

func TestDeadStreamFailsDeliveryAtOnce(t *testing.T) {
	srv := backendtest.Start(backendtest.WithGarbledStream(func(user string) bool {
		return strings.HasPrefix(user, "user1-")
	}))
	defer srv.Close()

	phases := append(connected(), phase(config.PhaseP2P, func(p *config.PhaseConfig) {
		p.Wait = 1500 * time.Millisecond
	}))
	rep := run(t, testConfig(srv, phases...))

	if rep.Passed {
		t.Fatal("expected failure when the recipient's stream dies")
	}
	p2p := rep.Phases[3]
	if p2p.Status != scenario.StatusFailed {
		t.Fatalf("unexpected p2p result %+v", p2p)
	}
	if !strings.Contains(p2p.Error, "stream ended") || !strings.Contains(p2p.Error, "decode frame") {
		t.Errorf("error should name the dead stream: %s", p2p.Error)
	}
	if strings.Contains(p2p.Error, "timed out") || p2p.Duration >= 1500*time.Millisecond {
		t.Errorf("dead stream should not wait out the poll: %s after %s", p2p.Error, p2p.Duration)
	}

	var user1 string
	for name := range rep.StreamFailures {
		if strings.HasPrefix(name, "user1-") {
			user1 = name
		}
	}
	if user1 == "" || len(rep.StreamFailures) != 1 {
		t.Fatalf("expected one stream failure for user1, got %v", rep.StreamFailures)
	}
	if !strings.Contains(rep.StreamFailures[user1], "not json") {
		t.Errorf("stream failure should quote the frame: %s", rep.StreamFailures[user1])
	}
}

func TestDeliveryTimeoutListsInbox(t *testing.T) {
	srv := backendtest.Start(backendtest.WithDeliveryFilter(func(recipient, text string) bool {
		return !(strings.HasPrefix(recipient, "user2-") && text == "hello-group")
	}))
	defer srv.Close()

	phases := append(connected(),
		phase(config.PhaseP2P, func(p *config.PhaseConfig) { p.To = 2 }),
		phase(config.PhaseGroup, func(p *config.PhaseConfig) { p.Wait = 200 * time.Millisecond }),
	)
	rep := run(t, testConfig(srv, phases...))

	group := rep.Phases[4]
	if group.Status != scenario.StatusFailed {
		t.Fatalf("expected group to fail, got %+v", rep.Phases)
	}
	for _, want := range []string{"timed out", "missing: user2-", "hello-p2p"} {
		if !strings.Contains(group.Error, want) {
			t.Errorf("timeout should list user2's inbox, missing %q: %s", want, group.Error)
		}
	}
	if strings.Contains(group.Error, "user1-") {
		t.Errorf("user1 received the message and should not be listed: %s", group.Error)
	}
}

func TestHistoryTimeoutListsMessages(t *testing.T) {
	backend := backendtest.New()
	stale := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/messages") {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"id":"m1","source":"ghost","text":"unrelated"}]`))
			return
		}
		backend.Handler().ServeHTTP(w, r)
	}))
	defer stale.Close()
	defer backend.Close()

	phases := append(connected(), phase(config.PhaseP2P, func(p *config.PhaseConfig) {
		p.Wait = 200 * time.Millisecond
	}))
	rep := run(t, configAt(stale.URL, phases...))

	p2p := rep.Phases[3]
	if p2p.Status != scenario.StatusFailed {
		t.Fatalf("expected history check to fail, got %+v", p2p)
	}
	if !strings.Contains(p2p.Error, "history") || !strings.Contains(p2p.Error, "1 messages [ghost: unrelated]") {
		t.Errorf("timeout should list the history it saw: %s", p2p.Error)
	}
}

func TestGroupChecksMembership(t *testing.T) {
	srv := backendtest.Start()
	defer srv.Close()

	phases := append(connected(), phase(config.PhaseGroup, func(p *config.PhaseConfig) {
		p.Members = []int{0, 1}
		p.Sender = 1
	}))
	rep := run(t, testConfig(srv, phases...))
	if !rep.Passed {
		t.Fatalf("expected pass with an outsider, got %+v", rep.Phases)
	}
	if !strings.Contains(rep.Phases[3].Detail, "delivered to 1 members") {
		t.Errorf("unexpected detail %q", rep.Phases[3].Detail)
	}
}

func TestGroupFailsWhenMemberDoesNotListConversation(t *testing.T) {
	backend := backendtest.New()
	forgetful := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/conversations" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[]`))
			return
		}
		backend.Handler().ServeHTTP(w, r)
	}))
	defer forgetful.Close()
	defer backend.Close()

	rep := run(t, configAt(forgetful.URL, append(connected(), phase(config.PhaseGroup, nil))...))
	group := rep.Phases[3]
	if group.Status != scenario.StatusFailed || !strings.Contains(group.Error, "does not list") {
		t.Fatalf("expected membership failure, got %+v", group)
	}
}
