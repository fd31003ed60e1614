// Package racetrack parses racetrack command flags and composes the race
// coordination server.
package racetrack

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	entrypoint "github.com/louisbranch/racetrack/internal/platform/cmd"
	"github.com/louisbranch/racetrack/internal/platform/config"
	server "github.com/louisbranch/racetrack/internal/services/racetrack/app"
	"github.com/louisbranch/racetrack/internal/services/racetrack/broadcast"
	"github.com/louisbranch/racetrack/internal/services/racetrack/engine"
	"github.com/louisbranch/racetrack/internal/services/racetrack/journal"
	"github.com/louisbranch/racetrack/internal/services/racetrack/storage/sqlite"
)

// Config holds racetrack command configuration.
type Config struct {
	HTTPAddr   string `env:"RACETRACK_HTTP_ADDR"   envDefault:":8080"`
	GRPCAddr   string `env:"RACETRACK_GRPC_ADDR"   envDefault:":8081"`
	DBPath     string `env:"RACETRACK_DB_PATH"     envDefault:"data/racetrack.db"`
	JournalDir string `env:"RACETRACK_JOURNAL_DIR" envDefault:"data/journal"`
	LogLevel   string `env:"RACETRACK_LOG_LEVEL"   envDefault:"info"`

	DevMode         bool          `env:"RACETRACK_DEV_MODE"`
	RaceDuration    time.Duration `env:"RACETRACK_RACE_DURATION"     envDefault:"10m"`
	DevRaceDuration time.Duration `env:"RACETRACK_DEV_RACE_DURATION" envDefault:"1m"`
	Countdown       time.Duration `env:"RACETRACK_COUNTDOWN"         envDefault:"10s"`
	MinLapTime      time.Duration `env:"RACETRACK_MIN_LAP_TIME"      envDefault:"2s"`
	MaxClockSkew    time.Duration `env:"RACETRACK_MAX_CLOCK_SKEW"    envDefault:"1s"`
	TickInterval    time.Duration `env:"RACETRACK_TICK_INTERVAL"     envDefault:"250ms"`
	KartCount       int           `env:"RACETRACK_KART_COUNT"        envDefault:"8"`
	FrameRate       int           `env:"RACETRACK_WS_FRAME_RATE"     envDefault:"40"`

	EnforceRoles    bool   `env:"RACETRACK_ENFORCE_ROLES" envDefault:"true"`
	ReceptionistKey string `env:"RACETRACK_RECEPTIONIST_KEY"`
	ObserverKey     string `env:"RACETRACK_OBSERVER_KEY"`
	SafetyKey       string `env:"RACETRACK_SAFETY_KEY"`
	RoleTokenSecret string `env:"RACETRACK_ROLE_TOKEN_SECRET"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP/WebSocket listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.JournalDir, "journal-dir", cfg.JournalDir, "crossing journal directory (empty keeps it in memory)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.BoolVar(&cfg.DevMode, "dev", cfg.DevMode, "development mode with short races")
	fs.DurationVar(&cfg.RaceDuration, "race-duration", cfg.RaceDuration, "race duration")
	fs.DurationVar(&cfg.Countdown, "countdown", cfg.Countdown, "pre-race countdown")
	fs.DurationVar(&cfg.MinLapTime, "min-lap-time", cfg.MinLapTime, "crossings closer than this are discarded")
	fs.DurationVar(&cfg.MaxClockSkew, "max-clock-skew", cfg.MaxClockSkew, "how far past the server clock a crossing timestamp may be")
	fs.DurationVar(&cfg.TickInterval, "tick", cfg.TickInterval, "race clock tick interval")
	fs.IntVar(&cfg.KartCount, "karts", cfg.KartCount, "fleet size used for kart auto-assignment")
	fs.IntVar(&cfg.FrameRate, "frame-rate", cfg.FrameRate, "frames per second a non lap-line client may send (0 disables)")
	fs.BoolVar(&cfg.EnforceRoles, "enforce-roles", cfg.EnforceRoles, "require role cookies for privileged events")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MissingKeys lists the required role key variables left blank.
func (c Config) MissingKeys() []string {
	return config.MissingRequired(map[string]string{
		"RACETRACK_RECEPTIONIST_KEY": c.ReceptionistKey,
		"RACETRACK_OBSERVER_KEY":     c.ObserverKey,
		"RACETRACK_SAFETY_KEY":       c.SafetyKey,
	})
}

// EffectiveRaceDuration is the duration captured by new races.
func (c Config) EffectiveRaceDuration() time.Duration {
	if c.DevMode {
		return c.DevRaceDuration
	}
	return c.RaceDuration
}

// EngineConfig maps command settings to race rules.
func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		RaceDuration: c.EffectiveRaceDuration(),
		Countdown:    c.Countdown,
		MinLapTime:   c.MinLapTime,
		MaxClockSkew: c.MaxClockSkew,
		TickInterval: c.TickInterval,
		KartCount:    c.KartCount,
	}
}

// NewLogger builds the process logger. Dev mode writes human-readable
// console output.
func NewLogger(cfg Config, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.DevMode {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", entrypoint.ServiceRacetrack).Logger()
}

// Run builds the racetrack app and serves until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRacetrack, func(ctx context.Context) error {
		return run(ctx, cfg, NewLogger(cfg, nil))
	})
}

func run(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	if missing := cfg.MissingKeys(); len(missing) > 0 && cfg.EnforceRoles {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	secret, err := roleTokenSecret(cfg.RoleTokenSecret, logger)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("close store")
		}
	}()

	crossings, err := journal.Open(cfg.JournalDir)
	if err != nil {
		return fmt.Errorf("open crossing journal: %w", err)
	}
	defer func() {
		if err := crossings.Close(); err != nil {
			logger.Error().Err(err).Msg("close crossing journal")
		}
	}()

	hub := broadcast.NewHub(broadcast.DefaultQueueSize, logger)
	defer hub.Close()

	raceEngine, err := engine.New(cfg.EngineConfig(), store, hub,
		engine.WithJournal(crossings),
		engine.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	if err := raceEngine.Recover(ctx); err != nil {
		return fmt.Errorf("recover races: %w", err)
	}

	srv, err := server.NewServer(server.Config{
		HTTPAddr:     cfg.HTTPAddr,
		GRPCAddr:     cfg.GRPCAddr,
		EnforceRoles: cfg.EnforceRoles,
		FrameRate:    cfg.FrameRate,
		RoleKeys: server.RoleKeys{
			Receptionist: cfg.ReceptionistKey,
			Safety:       cfg.SafetyKey,
			Observer:     cfg.ObserverKey,
		},
		RoleTokenSecret: secret,
	}, raceEngine, hub, logger)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}
	defer srv.Close()

	clockCtx, stopClock := context.WithCancel(ctx)
	clockDone := make(chan struct{})
	go func() {
		defer close(clockDone)
		_ = raceEngine.Run(clockCtx)
	}()
	defer func() {
		stopClock()
		<-clockDone
	}()

	logger.Info().
		Dur("race_duration", cfg.EffectiveRaceDuration()).
		Bool("dev", cfg.DevMode).
		Bool("enforce_roles", cfg.EnforceRoles).
		Msg("racetrack starting")
	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve racetrack: %w", err)
	}
	stats := raceEngine.Stats()
	event := logger.Info().Uint64("laps_accepted", stats.Accepted)
	for reason, n := range stats.Discarded {
		event = event.Uint64("discarded_"+string(reason), n)
	}
	event.Msg("racetrack stopped")
	return nil
}

func openStore(ctx context.Context, path string) (*sqlite.Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open racetrack sqlite store: %w", err)
	}
	return store, nil
}

// roleTokenSecret returns the configured secret or a random one. A random
// secret invalidates role cookies on restart.
func roleTokenSecret(configured string, logger zerolog.Logger) (string, error) {
	if secret := strings.TrimSpace(configured); secret != "" {
		return secret, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate role token secret: %w", err)
	}
	logger.Warn().Msg("RACETRACK_ROLE_TOKEN_SECRET is not set; role cookies will not survive a restart")
	return hex.EncodeToString(buf), nil
}
