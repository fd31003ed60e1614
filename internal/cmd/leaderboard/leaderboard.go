// Package leaderboard parses leaderboard command flags and runs the terminal
// leaderboard against a racetrack server.
package leaderboard

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	entrypoint "github.com/louisbranch/racetrack/internal/platform/cmd"
	platformgrpc "github.com/louisbranch/racetrack/internal/platform/grpc"
	"github.com/louisbranch/racetrack/internal/services/leaderboard/feed"
	"github.com/louisbranch/racetrack/internal/services/leaderboard/tui"
	server "github.com/louisbranch/racetrack/internal/services/racetrack/app"
)

// Config holds leaderboard command configuration.
type Config struct {
	URL           string        `env:"RACETRACK_LEADERBOARD_URL"            envDefault:"ws://localhost:8080/ws"`
	Session       string        `env:"RACETRACK_LEADERBOARD_SESSION"`
	HealthAddr    string        `env:"RACETRACK_LEADERBOARD_HEALTH_ADDR"    envDefault:"localhost:8081"`
	HealthTimeout time.Duration `env:"RACETRACK_LEADERBOARD_HEALTH_TIMEOUT" envDefault:"10s"`
	LogFile       string        `env:"RACETRACK_LEADERBOARD_LOG_FILE"       envDefault:"leaderboard.log"`
	LogLevel      string        `env:"RACETRACK_LEADERBOARD_LOG_LEVEL"      envDefault:"info"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.URL, "url", cfg.URL, "racetrack websocket URL")
	fs.StringVar(&cfg.Session, "session", cfg.Session, "session id to pin (empty follows the active race)")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "racetrack gRPC health address (empty skips the wait)")
	fs.DurationVar(&cfg.HealthTimeout, "health-timeout", cfg.HealthTimeout, "how long to wait for racetrack health")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "log file (the terminal belongs to the leaderboard)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewLogger builds a logger writing to out.
func NewLogger(cfg Config, out io.Writer) zerolog.Logger {
	if out == nil {
		out = io.Discard
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", entrypoint.ServiceLeaderboard).Logger()
}

// Run waits for the racetrack server and shows the leaderboard until the user
// quits, the feed ends or ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceLeaderboard, func(ctx context.Context) error {
		out := io.Discard
		if path := strings.TrimSpace(cfg.LogFile); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			defer f.Close()
			out = f
		}
		logger := NewLogger(cfg, out)

		if err := waitForRacetrack(ctx, cfg, logger); err != nil {
			return err
		}

		client := feed.New(feed.WithURL(cfg.URL), feed.WithSession(cfg.Session), feed.WithLogger(logger))
		return run(ctx, client, func(ctx context.Context) program {
			return tui.NewLeaderboard(tui.WithContext(ctx), tui.WithLogger(logger))
		}, logger)
	})
}

func waitForRacetrack(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	addr := strings.TrimSpace(cfg.HealthAddr)
	if addr == "" {
		return nil
	}
	conn, err := platformgrpc.DialWithHealth(ctx, nil, addr, server.HealthService, cfg.HealthTimeout, logger)
	if err != nil {
		return fmt.Errorf("racetrack at %s is not serving: %w", addr, err)
	}
	return conn.Close()
}

// program is the part of *tea.Program the run loop drives.
type program interface {
	Run() (tea.Model, error)
	Send(msg tea.Msg)
}

// run ties the feed client and the TUI together. Either one exiting cancels
// the other.
func run(ctx context.Context, client *feed.Client, newProgram func(context.Context) program, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer cancel()
		defer wg.Done()
		client.Listen(ctx)
		logger.Debug().Msg("feed client exited")
	}()

	leaderboard := newProgram(ctx)
	tuiErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer cancel()
		defer wg.Done()
		_, err := leaderboard.Run()
		tuiErr <- err
		logger.Debug().Msg("tui exited")
	}()

	var clientErr error
	done := client.Done()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			if done != nil {
				if err := <-done; err != nil {
					clientErr = err
				}
			}
			if err := <-tuiErr; err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return fmt.Errorf("run leaderboard: %w", err)
			}
			return clientErr
		case err, ok := <-done:
			if !ok {
				done = nil
				continue
			}
			if err != nil {
				logger.Error().Err(err).Msg("feed client exited with error")
				clientErr = err
				leaderboard.Send(tui.ErrorMsg{Err: err})
			}
		case board := <-client.Boards():
			leaderboard.Send(tui.BoardMsg(board))
		}
	}
}
