package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/torosent/relaycheck/internal/config"
)

func newLogger(cfg config.LogConfig, w io.Writer) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if strings.TrimSpace(cfg.Level) != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("log level: %w", err)
		}
		level = parsed
	}
	if strings.EqualFold(cfg.Format, "json") {
		return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
	}
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly, NoColor: true}
	return zerolog.New(console).Level(level).With().Timestamp().Logger(), nil
}

// failureLogger reports failed load sends at warn level.
type failureLogger struct {
	log zerolog.Logger
}

func (l failureLogger) LogFailure(attempt int, err error) {
	if err == nil {
		return
	}
	l.log.Warn().Int("attempt", attempt).Err(err).Msg("send failed")
}
