package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/torosent/relaycheck/internal/config"
	"github.com/torosent/relaycheck/internal/output"
	"github.com/torosent/relaycheck/internal/scenario"
	"github.com/torosent/relaycheck/internal/tracing"
)

const (
	progressInterval = time.Second
	shutdownTimeout  = 5 * time.Second
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	loader := config.NewLoader()
	cfg, err := loader.Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}
	for _, w := range cfg.Warnings() {
		log.Warn().Msg(w)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runID := ulid.Make().String()
	provider, err := tracing.Init(ctx, cfg.Tracing, runID)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	o, err := scenario.New(*cfg,
		scenario.WithRunID(runID),
		scenario.WithLogger(log),
		scenario.WithTracer(provider.Tracer(), provider.ShouldPropagate()),
		scenario.WithFailureLogger(failureLogger{log: log}),
	)
	if err != nil {
		return err
	}

	var progress *output.ProgressReporter
	if cfg.Output.Format == config.FormatText && cfg.HasPhase(config.PhaseLoad) {
		progress = output.NewProgressReporter(o.LoadProgress, progressInterval, stderr)
		progress.Start()
	}

	rep, runErr := o.Run(ctx)
	if progress != nil {
		progress.Stop()
	}
	if rep != nil {
		if err := output.Render(stdout, cfg.Output.Format, rep); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if !rep.Passed {
		if failed := rep.Failed(); len(failed) > 0 {
			return fmt.Errorf("phase %s failed: %s", failed[0].Name, failed[0].Error)
		}
		return errors.New("thresholds failed")
	}
	return nil
}
