package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader handles loading configuration from files and command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Defaults returns the configuration used when neither a file nor flags
// say otherwise. It targets a backend running on the local machine.
func Defaults() *Config {
	return &Config{
		AuthURL:      "http://localhost:8000/api/auth",
		APIURL:       "http://127.0.0.1:8080",
		StreamURL:    "ws://127.0.0.1:8080/ws/",
		TokenPath:    "data.access_token",
		Concurrency:  8,
		Timeout:      10 * time.Second,
		PollInterval: 50 * time.Millisecond,
		EchoWindow:   250 * time.Millisecond,
		SelfEcho:     SelfEchoForbid,
		Identities:   IdentitiesConfig{Count: 3, Prefix: "user", Password: "password123"},
		Output:       OutputConfig{Format: FormatText},
		Log:          LogConfig{Level: "info", Format: "console"},
		Tracing:      TracingConfig{Protocol: "grpc", SampleRate: 1.0},
	}
}

// DefaultPhases is the correctness flow run when no phases are configured.
func DefaultPhases() []PhaseConfig {
	return []PhaseConfig{
		DefaultPhase(PhaseRegister),
		DefaultPhase(PhaseLogin),
		DefaultPhase(PhaseConnect),
		DefaultPhase(PhaseP2P),
		DefaultPhase(PhaseGroup),
	}
}

// DefaultPhase returns a phase of the given kind with its defaults filled in.
func DefaultPhase(kind PhaseKind) PhaseConfig {
	p := PhaseConfig{Kind: kind}
	switch kind {
	case PhaseConnect:
		p.Timeout = 5 * time.Second
	case PhaseP2P:
		p.To = 1
		p.Mode = P2PModeConversation
		p.Text = "hello-p2p"
		p.Wait = 2 * time.Second
	case PhaseGroup:
		p.Text = "hello-group"
		p.Wait = time.Second
	case PhaseLoad:
		p.Workers = 12
		p.Arrival = ArrivalModelUniform
		p.Text = "load"
		p.Settle = 10 * time.Second
		p.Wait = 5 * time.Second
	case PhaseReceipts:
		p.Text = "hello-receipts"
		p.Wait = 5 * time.Second
	}
	return p
}

// Load parses command-line arguments and configuration files to produce a Config.
func (Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}

	configPath := flagSet.Lookup("config").Value.String()
	cfgViper := viper.New()
	if configPath != "" {
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := Defaults()
	cfg.ConfigFile = configPath

	if err := applyConfigSettings(cfg, cfgViper.AllSettings()); err != nil {
		return nil, err
	}
	if len(cfg.Phases) == 0 {
		cfg.Phases = DefaultPhases()
	}

	if err := applyFlagOverrides(cfg, flagSet); err != nil {
		return nil, err
	}

	cfg.SelfEcho = SelfEchoPolicy(strings.ToLower(strings.TrimSpace(string(cfg.SelfEcho))))
	cfg.Output.Format = strings.ToLower(strings.TrimSpace(cfg.Output.Format))
	for i := range cfg.Phases {
		normalizePhase(&cfg.Phases[i])
	}
	return cfg, nil
}

func normalizePhase(p *PhaseConfig) {
	p.Mode = strings.ToLower(strings.TrimSpace(p.Mode))
	p.Arrival = ArrivalModel(strings.ToLower(strings.TrimSpace(string(p.Arrival))))
	if p.Kind == PhaseLoad && p.Duration > 0 && p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
}

// applyConfigSettings applies settings from a config file to the Config struct.
func applyConfigSettings(cfg *Config, settings map[string]interface{}) error {
	if len(settings) == 0 {
		return nil
	}

	for _, s := range []struct {
		keys []string
		dst  *string
	}{
		{[]string{"auth_url", "authurl", "auth-url"}, &cfg.AuthURL},
		{[]string{"api_url", "apiurl", "api-url"}, &cfg.APIURL},
		{[]string{"stream_url", "streamurl", "stream-url"}, &cfg.StreamURL},
		{[]string{"token_path", "tokenpath", "token-path"}, &cfg.TokenPath},
	} {
		if raw, ok := lookupSetting(settings, s.keys...); ok {
			val, err := asString(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", s.keys[0], err)
			}
			*s.dst = strings.TrimSpace(val)
		}
	}

	if raw, ok := lookupSetting(settings, "concurrency"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("concurrency: %w", err)
		}
		cfg.Concurrency = val
	}

	for _, s := range []struct {
		keys []string
		dst  *time.Duration
	}{
		{[]string{"timeout"}, &cfg.Timeout},
		{[]string{"poll_interval", "pollinterval", "poll-interval"}, &cfg.PollInterval},
		{[]string{"echo_window", "echowindow", "echo-window"}, &cfg.EchoWindow},
	} {
		if raw, ok := lookupSetting(settings, s.keys...); ok {
			dur, err := asDuration(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", s.keys[0], err)
			}
			*s.dst = dur
		}
	}

	if raw, ok := lookupSetting(settings, "self_echo", "selfecho", "self-echo"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("self_echo: %w", err)
		}
		cfg.SelfEcho = SelfEchoPolicy(val)
	}

	if raw, ok := lookupSetting(settings, "identities"); ok {
		if err := applyIdentities(&cfg.Identities, raw); err != nil {
			return fmt.Errorf("identities: %w", err)
		}
	}

	if raw, ok := lookupSetting(settings, "phases"); ok {
		phases, err := parsePhases(raw)
		if err != nil {
			return fmt.Errorf("phases: %w", err)
		}
		cfg.Phases = phases
	}

	if raw, ok := lookupSetting(settings, "thresholds"); ok {
		val, err := asStringSlice(raw)
		if err != nil {
			return fmt.Errorf("thresholds: %w", err)
		}
		cfg.Thresholds = val
	}

	if raw, ok := lookupSetting(settings, "output"); ok {
		m, err := toStringKeyMap(raw)
		if err != nil {
			return fmt.Errorf("output: %w", err)
		}
		if v, ok := lookupSetting(m, "format"); ok {
			if cfg.Output.Format, err = asString(v); err != nil {
				return fmt.Errorf("output.format: %w", err)
			}
		}
	}

	if raw, ok := lookupSetting(settings, "log"); ok {
		if err := applyLog(&cfg.Log, raw); err != nil {
			return fmt.Errorf("log: %w", err)
		}
	}

	if raw, ok := lookupSetting(settings, "tracing"); ok {
		if err := applyTracing(&cfg.Tracing, raw); err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
	}

	return nil
}

func applyIdentities(ids *IdentitiesConfig, value interface{}) error {
	settings, err := toStringKeyMap(value)
	if err != nil {
		return err
	}
	if raw, ok := lookupSetting(settings, "count"); ok {
		if ids.Count, err = asInt(raw); err != nil {
			return fmt.Errorf("count: %w", err)
		}
	}
	for _, s := range []struct {
		keys []string
		dst  *string
	}{
		{[]string{"prefix"}, &ids.Prefix},
		{[]string{"password"}, &ids.Password},
		{[]string{"file", "path"}, &ids.File},
		{[]string{"file_type", "filetype", "file-type", "type"}, &ids.FileType},
	} {
		if raw, ok := lookupSetting(settings, s.keys...); ok {
			val, err := asString(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", s.keys[0], err)
			}
			*s.dst = strings.TrimSpace(val)
		}
	}
	return nil
}

func applyLog(lc *LogConfig, value interface{}) error {
	settings, err := toStringKeyMap(value)
	if err != nil {
		return err
	}
	if raw, ok := lookupSetting(settings, "level"); ok {
		if lc.Level, err = asString(raw); err != nil {
			return fmt.Errorf("level: %w", err)
		}
	}
	if raw, ok := lookupSetting(settings, "format"); ok {
		if lc.Format, err = asString(raw); err != nil {
			return fmt.Errorf("format: %w", err)
		}
	}
	return nil
}

func applyTracing(tc *TracingConfig, value interface{}) error {
	settings, err := toStringKeyMap(value)
	if err != nil {
		return err
	}
	if raw, ok := lookupSetting(settings, "endpoint"); ok {
		if tc.Endpoint, err = asString(raw); err != nil {
			return fmt.Errorf("endpoint: %w", err)
		}
	}
	if raw, ok := lookupSetting(settings, "protocol"); ok {
		if tc.Protocol, err = asString(raw); err != nil {
			return fmt.Errorf("protocol: %w", err)
		}
	}
	if raw, ok := lookupSetting(settings, "service_name", "servicename", "service-name"); ok {
		if tc.ServiceName, err = asString(raw); err != nil {
			return fmt.Errorf("service_name: %w", err)
		}
	}
	if raw, ok := lookupSetting(settings, "sample_rate", "samplerate", "sample-rate"); ok {
		if tc.SampleRate, err = asFloat64(raw); err != nil {
			return fmt.Errorf("sample_rate: %w", err)
		}
	}
	if raw, ok := lookupSetting(settings, "insecure"); ok {
		if tc.Insecure, err = asBool(raw); err != nil {
			return fmt.Errorf("insecure: %w", err)
		}
	}
	if raw, ok := lookupSetting(settings, "propagate"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("propagate: %w", err)
		}
		tc.Propagate = &val
	}
	return nil
}

func parsePhases(value interface{}) ([]PhaseConfig, error) {
	items, err := toInterfaceSlice(value)
	if err != nil {
		return nil, err
	}
	phases := make([]PhaseConfig, 0, len(items))
	for i, item := range items {
		settings, err := toStringKeyMap(item)
		if err != nil {
			return nil, fmt.Errorf("phase[%d]: %w", i, err)
		}
		phase, err := buildPhase(settings)
		if err != nil {
			return nil, fmt.Errorf("phase[%d]: %w", i, err)
		}
		phases = append(phases, phase)
	}
	return phases, nil
}

func buildPhase(settings map[string]interface{}) (PhaseConfig, error) {
	raw, ok := lookupSetting(settings, "kind", "type")
	if !ok {
		return PhaseConfig{}, fmt.Errorf("kind is required")
	}
	kind, err := asString(raw)
	if err != nil {
		return PhaseConfig{}, fmt.Errorf("kind: %w", err)
	}
	p := DefaultPhase(PhaseKind(strings.ToLower(strings.TrimSpace(kind))))

	for _, s := range []struct {
		key string
		dst *string
	}{
		{"name", &p.Name},
		{"mode", &p.Mode},
		{"text", &p.Text},
	} {
		if raw, ok := lookupSetting(settings, s.key); ok {
			if *s.dst, err = asString(raw); err != nil {
				return p, fmt.Errorf("%s: %w", s.key, err)
			}
		}
	}

	for _, s := range []struct {
		keys []string
		dst  *int
	}{
		{[]string{"from"}, &p.From},
		{[]string{"to"}, &p.To},
		{[]string{"sender"}, &p.Sender},
		{[]string{"workers", "concurrency"}, &p.Workers},
		{[]string{"total"}, &p.Total},
		{[]string{"max_attempts", "maxattempts", "max-attempts"}, &p.MaxAttempts},
		{[]string{"rate"}, &p.Rate},
	} {
		if raw, ok := lookupSetting(settings, s.keys...); ok {
			if *s.dst, err = asInt(raw); err != nil {
				return p, fmt.Errorf("%s: %w", s.keys[0], err)
			}
		}
	}

	for _, s := range []struct {
		key string
		dst *time.Duration
	}{
		{"timeout", &p.Timeout},
		{"wait", &p.Wait},
		{"duration", &p.Duration},
		{"settle", &p.Settle},
	} {
		if raw, ok := lookupSetting(settings, s.key); ok {
			if *s.dst, err = asDuration(raw); err != nil {
				return p, fmt.Errorf("%s: %w", s.key, err)
			}
		}
	}

	if raw, ok := lookupSetting(settings, "members"); ok {
		if p.Members, err = asIntSlice(raw); err != nil {
			return p, fmt.Errorf("members: %w", err)
		}
	}
	if raw, ok := lookupSetting(settings, "arrival", "arrival_model", "arrivalmodel"); ok {
		val, err := asString(raw)
		if err != nil {
			return p, fmt.Errorf("arrival: %w", err)
		}
		p.Arrival = ArrivalModel(val)
	}
	return p, nil
}
