package racetrack

import (
	"bytes"
	"context"
	"flag"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("racetrack", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.RaceDuration != 10*time.Minute || cfg.DevRaceDuration != time.Minute {
		t.Fatalf("expected default durations, got %v/%v", cfg.RaceDuration, cfg.DevRaceDuration)
	}
	if cfg.Countdown != 10*time.Second || cfg.MinLapTime != 2*time.Second {
		t.Fatalf("expected default countdown and min lap, got %v/%v", cfg.Countdown, cfg.MinLapTime)
	}
	if cfg.KartCount != 8 || !cfg.EnforceRoles {
		t.Fatalf("expected 8 karts with roles enforced, got %d/%v", cfg.KartCount, cfg.EnforceRoles)
	}
	if cfg.MaxClockSkew != time.Second || cfg.FrameRate != 40 {
		t.Fatalf("expected default skew and frame rate, got %v/%d", cfg.MaxClockSkew, cfg.FrameRate)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("RACETRACK_HTTP_ADDR", "env-http")
	t.Setenv("RACETRACK_RACE_DURATION", "5m")
	t.Setenv("RACETRACK_RECEPTIONIST_KEY", "desk")
	t.Setenv("RACETRACK_MAX_CLOCK_SKEW", "250ms")

	fs := flag.NewFlagSet("racetrack", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-http-addr", "flag-http", "-karts", "12", "-frame-rate", "0"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "flag-http" {
		t.Fatalf("expected flag http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.RaceDuration != 5*time.Minute {
		t.Fatalf("expected env race duration, got %v", cfg.RaceDuration)
	}
	if cfg.KartCount != 12 {
		t.Fatalf("expected flag kart count, got %d", cfg.KartCount)
	}
	if cfg.ReceptionistKey != "desk" {
		t.Fatalf("expected env receptionist key, got %q", cfg.ReceptionistKey)
	}
	if cfg.MaxClockSkew != 250*time.Millisecond {
		t.Fatalf("expected env clock skew, got %v", cfg.MaxClockSkew)
	}
	if cfg.FrameRate != 0 {
		t.Fatalf("expected flag frame rate, got %d", cfg.FrameRate)
	}
	if got := cfg.EngineConfig().MaxClockSkew; got != 250*time.Millisecond {
		t.Fatalf("engine clock skew = %v, want 250ms", got)
	}
}

func TestMissingKeys(t *testing.T) {
	cfg := Config{ObserverKey: "lap"}
	got := cfg.MissingKeys()
	want := []string{"RACETRACK_RECEPTIONIST_KEY", "RACETRACK_SAFETY_KEY"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("missing = %v, want %v", got, want)
	}
	full := Config{ReceptionistKey: "a", ObserverKey: "b", SafetyKey: "c"}
	if missing := full.MissingKeys(); len(missing) != 0 {
		t.Fatalf("missing = %v, want none", missing)
	}
}

func TestDevModeShortensRaces(t *testing.T) {
	cfg := Config{RaceDuration: 10 * time.Minute, DevRaceDuration: time.Minute}
	if got := cfg.EngineConfig().RaceDuration; got != 10*time.Minute {
		t.Fatalf("race duration = %v, want 10m", got)
	}
	cfg.DevMode = true
	if got := cfg.EngineConfig().RaceDuration; got != time.Minute {
		t.Fatalf("dev race duration = %v, want 1m", got)
	}
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{LogLevel: "warn"}, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("log output = %q", buf.String())
	}
	if !strings.Contains(buf.String(), `"service":"racetrack"`) {
		t.Fatalf("log output missing service field: %q", buf.String())
	}
}

func TestRunRequiresKeysWhenEnforcing(t *testing.T) {
	cfg := Config{EnforceRoles: true, HTTPAddr: "127.0.0.1:0", DBPath: filepath.Join(t.TempDir(), "rt.db")}
	err := run(context.Background(), cfg, zerolog.Nop())
	if err == nil || !strings.Contains(err.Error(), "RACETRACK_RECEPTIONIST_KEY") {
		t.Fatalf("err = %v, want missing key error", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		HTTPAddr:        "127.0.0.1:0",
		DBPath:          filepath.Join(dir, "nested", "rt.db"),
		JournalDir:      filepath.Join(dir, "journal"),
		EnforceRoles:    true,
		ReceptionistKey: "desk",
		ObserverKey:     "lap",
		SafetyKey:       "safety",
		TickInterval:    10 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, zerolog.Nop())
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
}
