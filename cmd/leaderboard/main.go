// Package main starts the terminal leaderboard.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	leaderboardcmd "github.com/louisbranch/racetrack/internal/cmd/leaderboard"
	"github.com/louisbranch/racetrack/internal/platform/config"
)

func main() {
	cfg, err := leaderboardcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := leaderboardcmd.Run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("leaderboard stopped")
	}
}
