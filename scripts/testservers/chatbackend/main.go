// Command chatbackend serves the in-memory chat backend so relaycheck can be
// pointed at it by hand.
package main

import (
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/torosent/relaycheck/internal/backendtest"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "Listen address")
	selfEcho := flag.Bool("self-echo", false, "Deliver stream frames back to their sender")
	postDelay := flag.Duration("post-delay", 0, "Delay before each message POST is answered")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).With().Timestamp().Logger()

	srv := backendtest.New(backendtest.WithSelfEcho(*selfEcho), backendtest.WithPostDelay(*postDelay))
	defer srv.Close()

	log.Info().Str("addr", *addr).Bool("self_echo", *selfEcho).Msg("chat backend listening")
	if err := http.ListenAndServe(*addr, srv.Handler()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("serve failed")
	}
}
