package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// SelfEchoPolicy governs whether a sender may observe its own message on
// its own stream.
type SelfEchoPolicy string

const (
	SelfEchoExpect SelfEchoPolicy = "expect"
	SelfEchoForbid SelfEchoPolicy = "forbid"
	SelfEchoIgnore SelfEchoPolicy = "ignore"
)

type PhaseKind string

const (
	PhaseRegister PhaseKind = "register"
	PhaseLogin    PhaseKind = "login"
	PhaseConnect  PhaseKind = "connect"
	PhaseP2P      PhaseKind = "p2p"
	PhaseGroup    PhaseKind = "group"
	PhaseLoad     PhaseKind = "load"
	PhaseReceipts PhaseKind = "receipts"
)

// P2P delivery modes.
const (
	P2PModeConversation = "conversation"
	P2PModeStream       = "stream"
)

type ArrivalModel string

const (
	ArrivalModelUniform ArrivalModel = "uniform"
	ArrivalModelPoisson ArrivalModel = "poisson"
)

// Report formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// DefaultMaxAttempts caps dispatches in window mode when max_attempts is unset.
const DefaultMaxAttempts = 100000

type Config struct {
	AuthURL      string           `mapstructure:"auth_url"`
	APIURL       string           `mapstructure:"api_url"`
	StreamURL    string           `mapstructure:"stream_url"`
	TokenPath    string           `mapstructure:"token_path"`
	Concurrency  int              `mapstructure:"concurrency"`
	Timeout      time.Duration    `mapstructure:"timeout"`
	PollInterval time.Duration    `mapstructure:"poll_interval"`
	EchoWindow   time.Duration    `mapstructure:"echo_window"`
	SelfEcho     SelfEchoPolicy   `mapstructure:"self_echo"`
	Identities   IdentitiesConfig `mapstructure:"identities"`
	Phases       []PhaseConfig    `mapstructure:"phases"`
	Thresholds   []string         `mapstructure:"thresholds"`
	Output       OutputConfig     `mapstructure:"output"`
	Log          LogConfig        `mapstructure:"log"`
	Tracing      TracingConfig    `mapstructure:"tracing"`
	ConfigFile   string           `mapstructure:"-"`
}

// IdentitiesConfig describes the roster. Generated names are
// "<prefix><n>-<suffix>"; File replaces generation with a CSV or JSON list.
type IdentitiesConfig struct {
	Count    int    `mapstructure:"count"`
	Prefix   string `mapstructure:"prefix"`
	Password string `mapstructure:"password"`
	File     string `mapstructure:"file"`
	FileType string `mapstructure:"file_type"` // "csv" or "json"
}

// PhaseConfig is one step of a scenario. Fields are interpreted per Kind;
// identity references are indices into the roster.
type PhaseConfig struct {
	Kind    PhaseKind     `mapstructure:"kind"`
	Name    string        `mapstructure:"name"`
	Timeout time.Duration `mapstructure:"timeout"`

	From    int    `mapstructure:"from"`
	To      int    `mapstructure:"to"`
	Mode    string `mapstructure:"mode"`
	Members []int  `mapstructure:"members"`
	Sender  int    `mapstructure:"sender"`
	Text    string `mapstructure:"text"`
	// Wait bounds the delivery poll.
	Wait time.Duration `mapstructure:"wait"`

	Workers     int           `mapstructure:"workers"`
	Total       int           `mapstructure:"total"`
	Duration    time.Duration `mapstructure:"duration"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Rate        int           `mapstructure:"rate"`
	Arrival     ArrivalModel  `mapstructure:"arrival"`
	// Settle bounds the wait for persisted history to catch up after load.
	Settle time.Duration `mapstructure:"settle"`
}

// DisplayName is Name, or Kind when no name was given.
func (p PhaseConfig) DisplayName() string {
	if strings.TrimSpace(p.Name) != "" {
		return p.Name
	}
	return string(p.Kind)
}

type OutputConfig struct {
	Format string `mapstructure:"format"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "console" or "json"
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"`
	Propagate   *bool   `mapstructure:"propagate"`
}

// Enabled reports whether an OTLP endpoint is configured here or in the
// environment.
func (t TracingConfig) Enabled() bool {
	return strings.TrimSpace(t.Endpoint) != "" || os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
}

// ShouldPropagate defaults to Enabled unless explicitly set.
func (t TracingConfig) ShouldPropagate() bool {
	if t.Propagate != nil {
		return *t.Propagate
	}
	return t.Enabled()
}

// HasPhase reports whether the scenario includes a phase of the given kind.
func (c Config) HasPhase(kind PhaseKind) bool {
	for _, p := range c.Phases {
		if p.Kind == kind {
			return true
		}
	}
	return false
}

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

// Warnings lists settings that are valid but aggressive enough to hurt the
// target. Callers decide how to surface them.
func (c Config) Warnings() []string {
	var warnings []string
	if c.Concurrency > 500 {
		warnings = append(warnings, fmt.Sprintf("high concurrency configured (%d workers); ensure you have authorization to test the target system", c.Concurrency))
	}
	for i, p := range c.Phases {
		if p.Kind == PhaseLoad && p.Rate > 1000 {
			warnings = append(warnings, fmt.Sprintf("phase[%d] %s: high rate configured (%d sends/s); ensure you have authorization to test the target system", i, p.DisplayName(), p.Rate))
		}
	}
	return warnings
}

func (c Config) Validate() error {
	var issues []string

	if strings.TrimSpace(c.AuthURL) == "" && (c.HasPhase(PhaseRegister) || c.HasPhase(PhaseLogin)) {
		issues = append(issues, "auth_url is required for register and login phases")
	}
	if strings.TrimSpace(c.APIURL) == "" {
		for _, kind := range []PhaseKind{PhaseGroup, PhaseLoad, PhaseReceipts} {
			if c.HasPhase(kind) {
				issues = append(issues, fmt.Sprintf("api_url is required for %s phases", kind))
			}
		}
	}
	if strings.TrimSpace(c.StreamURL) == "" && c.HasPhase(PhaseConnect) {
		issues = append(issues, "stream_url is required for connect phases")
	}

	if c.Concurrency < 1 {
		issues = append(issues, "concurrency must be >= 1")
	}
	if c.Timeout <= 0 {
		issues = append(issues, "timeout must be > 0")
	}
	if c.PollInterval <= 0 {
		issues = append(issues, "poll_interval must be > 0")
	}
	if c.EchoWindow < 0 {
		issues = append(issues, "echo_window must be >= 0")
	}
	switch c.SelfEcho {
	case SelfEchoExpect, SelfEchoForbid, SelfEchoIgnore:
	default:
		issues = append(issues, fmt.Sprintf("self_echo %q must be one of expect, forbid, ignore", c.SelfEcho))
	}

	issues = append(issues, validateIdentities(c.Identities)...)
	issues = append(issues, validatePhases(c.Phases, c.rosterSize())...)

	switch c.Output.Format {
	case FormatText, FormatJSON, FormatYAML:
	default:
		issues = append(issues, fmt.Sprintf("output format %q must be text, json or yaml", c.Output.Format))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		issues = append(issues, fmt.Sprintf("log format %q must be console or json", c.Log.Format))
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

// rosterSize is the generated roster size, or -1 when a roster file decides it.
func (c Config) rosterSize() int {
	if strings.TrimSpace(c.Identities.File) != "" {
		return -1
	}
	return c.Identities.Count
}

func validateIdentities(ids IdentitiesConfig) []string {
	var issues []string
	if strings.TrimSpace(ids.File) != "" {
		switch strings.ToLower(ids.FileType) {
		case "", "csv", "json":
		default:
			issues = append(issues, fmt.Sprintf("identities file_type %q must be csv or json", ids.FileType))
		}
		return issues
	}
	if ids.Count < 1 {
		issues = append(issues, "identities count must be >= 1")
	}
	if strings.TrimSpace(ids.Prefix) == "" {
		issues = append(issues, "identities prefix is required")
	}
	return issues
}

func validatePhases(phases []PhaseConfig, roster int) []string {
	var issues []string
	if len(phases) == 0 {
		return []string{"at least one phase is required"}
	}

	loggedIn, connected := false, false
	for i, p := range phases {
		label := fmt.Sprintf("phase[%d] (%s)", i, p.DisplayName())
		index := func(field string, v int) {
			if v < 0 || (roster >= 0 && v >= roster) {
				issues = append(issues, fmt.Sprintf("%s: %s %d is outside the roster", label, field, v))
			}
		}
		needs := func(ok bool, what string) {
			if !ok {
				issues = append(issues, fmt.Sprintf("%s: requires an earlier %s phase", label, what))
			}
		}

		switch p.Kind {
		case PhaseRegister:
		case PhaseLogin:
			loggedIn = true
		case PhaseConnect:
			needs(loggedIn, "login")
			connected = true
		case PhaseP2P:
			needs(connected, "connect")
			index("from", p.From)
			index("to", p.To)
			if p.From == p.To {
				issues = append(issues, fmt.Sprintf("%s: from and to must differ", label))
			}
			switch p.Mode {
			case P2PModeConversation, P2PModeStream:
			default:
				issues = append(issues, fmt.Sprintf("%s: mode %q must be conversation or stream", label, p.Mode))
			}
		case PhaseGroup:
			needs(connected, "connect")
			if len(p.Members) > 0 && len(p.Members) < 2 {
				issues = append(issues, fmt.Sprintf("%s: members needs at least 2 identities", label))
			}
			inMembers := len(p.Members) == 0
			for _, m := range p.Members {
				index("member", m)
				if m == p.Sender {
					inMembers = true
				}
			}
			index("sender", p.Sender)
			if !inMembers {
				issues = append(issues, fmt.Sprintf("%s: sender must be a member", label))
			}
		case PhaseLoad:
			needs(loggedIn, "login")
			index("sender", p.Sender)
			issues = append(issues, validateLoad(label, p)...)
		case PhaseReceipts:
			needs(loggedIn, "login")
			index("sender", p.Sender)
		default:
			issues = append(issues, fmt.Sprintf("phase[%d]: unknown kind %q", i, p.Kind))
		}

		if p.Wait < 0 || p.Timeout < 0 || p.Settle < 0 {
			issues = append(issues, fmt.Sprintf("%s: wait, timeout and settle must be >= 0", label))
		}
	}
	return issues
}

func validateLoad(label string, p PhaseConfig) []string {
	var issues []string
	switch {
	case p.Total > 0 && p.Duration > 0:
		issues = append(issues, fmt.Sprintf("%s: total and duration are mutually exclusive", label))
	case p.Total <= 0 && p.Duration <= 0:
		issues = append(issues, fmt.Sprintf("%s: one of total or duration is required", label))
	}
	if p.Total < 0 || p.Duration < 0 {
		issues = append(issues, fmt.Sprintf("%s: total and duration must be >= 0", label))
	}
	if p.Workers < 1 {
		issues = append(issues, fmt.Sprintf("%s: workers must be >= 1", label))
	}
	if p.MaxAttempts < 0 {
		issues = append(issues, fmt.Sprintf("%s: max_attempts must be >= 0", label))
	}
	if p.Rate < 0 {
		issues = append(issues, fmt.Sprintf("%s: rate must be >= 0", label))
	}
	switch p.Arrival {
	case "", ArrivalModelUniform, ArrivalModelPoisson:
	default:
		issues = append(issues, fmt.Sprintf("%s: arrival model %q is not supported", label, p.Arrival))
	}
	return issues
}
