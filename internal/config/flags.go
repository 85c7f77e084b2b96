package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// newFlagCommand creates a cobra command with all flags configured.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "relaycheck",
		Short:         "Correctness and load checks for a chat backend",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

// configureFlags sets up all CLI flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Path to scenario file (JSON or YAML)")

	// Collaborators
	flags.String("auth-url", "", "Base URL of the credential service")
	flags.String("api-url", "", "Base URL of the message API")
	flags.String("stream-url", "", "WebSocket URL of the event stream")
	flags.String("token-path", "", "JSON path of the access token in a login response")

	// Roster and bulk phases
	flags.Int("identities", 0, "Number of generated identities")
	flags.String("identities-file", "", "CSV or JSON roster of username,password")
	flags.IntP("concurrency", "c", 0, "Workers for bulk register, login and connect")
	flags.Duration("timeout", 0, "Per-request timeout")
	flags.Duration("poll-interval", 0, "Interval between delivery polls")
	flags.String("self-echo", "", "Self-echo policy: expect, forbid or ignore")

	// Load
	flags.Int("load-workers", 0, "Workers for the load phase")
	flags.Duration("load-duration", 0, "Run the load phase for a window (e.g. 15s)")
	flags.Int("load-total", 0, "Run the load phase for a fixed number of sends")
	flags.Int("load-rate", 0, "Sends per second limit for the load phase (0 means unlimited)")

	// Output
	flags.StringP("output", "o", "", "Report format: text, json or yaml")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	flags.String("log-format", "", "Log format: console or json")
	flags.StringSlice("threshold", nil, "Load thresholds (repeatable, e.g. 'send_duration:p99 < 500' or 'delivery:min_ratio >= 0.99')")
	flags.String("tracing-endpoint", "", "OTLP endpoint for trace export")
}

// displayHelp prints the help message for a command.
func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\n%s\n\nFlags:\n", cmd.UseLine(), cmd.Short)
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// applyFlagOverrides applies command-line flag values to the config, overriding
// values from the config file.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	for _, s := range []struct {
		flag string
		dst  *string
	}{
		{"auth-url", &cfg.AuthURL},
		{"api-url", &cfg.APIURL},
		{"stream-url", &cfg.StreamURL},
		{"token-path", &cfg.TokenPath},
		{"identities-file", &cfg.Identities.File},
		{"output", &cfg.Output.Format},
		{"log-level", &cfg.Log.Level},
		{"log-format", &cfg.Log.Format},
		{"tracing-endpoint", &cfg.Tracing.Endpoint},
	} {
		if !fs.Changed(s.flag) {
			continue
		}
		val, err := fs.GetString(s.flag)
		if err != nil {
			return err
		}
		*s.dst = strings.TrimSpace(val)
	}

	if fs.Changed("self-echo") {
		val, err := fs.GetString("self-echo")
		if err != nil {
			return err
		}
		cfg.SelfEcho = SelfEchoPolicy(val)
	}
	if fs.Changed("identities") {
		val, err := fs.GetInt("identities")
		if err != nil {
			return err
		}
		cfg.Identities.Count = val
	}
	if fs.Changed("concurrency") {
		val, err := fs.GetInt("concurrency")
		if err != nil {
			return err
		}
		cfg.Concurrency = val
	}
	if fs.Changed("timeout") {
		val, err := fs.GetDuration("timeout")
		if err != nil {
			return err
		}
		cfg.Timeout = val
	}
	if fs.Changed("poll-interval") {
		val, err := fs.GetDuration("poll-interval")
		if err != nil {
			return err
		}
		cfg.PollInterval = val
	}
	if fs.Changed("threshold") {
		val, err := fs.GetStringSlice("threshold")
		if err != nil {
			return err
		}
		cfg.Thresholds = val
	}

	return applyLoadOverrides(cfg, fs)
}

// applyLoadOverrides rewrites every load phase from the --load-* flags,
// appending a load phase when the scenario has none.
func applyLoadOverrides(cfg *Config, fs *pflag.FlagSet) error {
	changed := false
	for _, name := range []string{"load-workers", "load-duration", "load-total", "load-rate"} {
		if fs.Changed(name) {
			changed = true
		}
	}
	if !changed {
		return nil
	}
	if !cfg.HasPhase(PhaseLoad) {
		cfg.Phases = append(cfg.Phases, DefaultPhase(PhaseLoad))
	}

	workers, err := fs.GetInt("load-workers")
	if err != nil {
		return err
	}
	duration, err := fs.GetDuration("load-duration")
	if err != nil {
		return err
	}
	total, err := fs.GetInt("load-total")
	if err != nil {
		return err
	}
	rate, err := fs.GetInt("load-rate")
	if err != nil {
		return err
	}

	for i := range cfg.Phases {
		p := &cfg.Phases[i]
		if p.Kind != PhaseLoad {
			continue
		}
		if fs.Changed("load-workers") {
			p.Workers = workers
		}
		if fs.Changed("load-duration") {
			p.Duration = duration
			if !fs.Changed("load-total") {
				p.Total = 0
			}
		}
		if fs.Changed("load-total") {
			p.Total = total
			if !fs.Changed("load-duration") {
				p.Duration = 0
			}
		}
		if fs.Changed("load-rate") {
			p.Rate = rate
		}
	}
	return nil
}
