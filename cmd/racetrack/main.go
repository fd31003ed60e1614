// Package main starts the racetrack coordination server and handles
// termination.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	racetrackcmd "github.com/louisbranch/racetrack/internal/cmd/racetrack"
	"github.com/louisbranch/racetrack/internal/platform/config"
)

func main() {
	cfg, err := racetrackcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if missing := cfg.MissingKeys(); len(missing) > 0 && cfg.EnforceRoles {
		config.Exitf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := racetrackcmd.Run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("failed to serve")
	}
}
