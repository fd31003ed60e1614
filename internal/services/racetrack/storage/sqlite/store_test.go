package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/racetrack/internal/services/racetrack/domain"
	"github.com/louisbranch/racetrack/internal/services/racetrack/storage"
)

var storeEpoch = time.Date(2026, time.March, 14, 18, 0, 0, 0, time.UTC)

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestCreateListSessionsRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	createSession(t, store, "s2", "Heat B", storeEpoch.Add(time.Minute))
	createSession(t, store, "s1", "Heat A", storeEpoch)

	sessions, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions len = %d, want 2", len(sessions))
	}
	if sessions[0].ID != "s1" || sessions[1].ID != "s2" {
		t.Fatalf("sessions order = [%s %s], want [s1 s2]", sessions[0].ID, sessions[1].ID)
	}
	if sessions[0].Status != domain.SessionIdle {
		t.Fatalf("status = %q, want idle", sessions[0].Status)
	}
	if !sessions[0].CreatedAt.Equal(storeEpoch) {
		t.Fatalf("created_at = %v, want %v", sessions[0].CreatedAt, storeEpoch)
	}

	got, err := store.GetSession(ctx, "s2")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Name != "Heat B" {
		t.Fatalf("name = %q, want Heat B", got.Name)
	}
	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get missing error = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestCreateSessionRejectsDuplicateName(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	createSession(t, store, "s1", "Heat A", storeEpoch)
	err := store.CreateSession(context.Background(), domain.Session{ID: "s2", Name: "Heat A", CreatedAt: storeEpoch})
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("duplicate create error = %v, want %v", err, storage.ErrAlreadyExists)
	}
}

func TestDriverKartUniquePerSession(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	createSession(t, store, "s1", "Heat A", storeEpoch)
	createSession(t, store, "s2", "Heat B", storeEpoch)

	createDriver(t, store, domain.Driver{ID: "d1", SessionID: "s1", Name: "Ana", Kart: "1"})
	err := store.CreateDriver(ctx, domain.Driver{ID: "d2", SessionID: "s1", Name: "Bo", Kart: "1", CreatedAt: storeEpoch})
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("same kart error = %v, want %v", err, storage.ErrAlreadyExists)
	}
	// The same kart number in another session is a different transponder assignment.
	createDriver(t, store, domain.Driver{ID: "d3", SessionID: "s2", Name: "Cy", Kart: "1"})
	// Unassigned karts never collide.
	createDriver(t, store, domain.Driver{ID: "d4", SessionID: "s1", Name: "Di"})
	createDriver(t, store, domain.Driver{ID: "d5", SessionID: "s1", Name: "Ed"})

	if err := store.CreateDriver(ctx, domain.Driver{ID: "d6", SessionID: "missing", Name: "Fa", CreatedAt: storeEpoch}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown session error = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestUpdateDriverPersistsTiming(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	createSession(t, store, "s1", "Heat A", storeEpoch)
	createDriver(t, store, domain.Driver{ID: "d1", SessionID: "s1", Name: "Ana", Kart: "1"})

	driver, err := store.GetDriver(ctx, "s1", "d1")
	if err != nil {
		t.Fatalf("get driver: %v", err)
	}
	if !driver.LastLapAt.IsZero() {
		t.Fatalf("expected zero last_lap_at, got %v", driver.LastLapAt)
	}
	driver.LapCount = 2
	driver.LastLapAt = storeEpoch.Add(90 * time.Second)
	driver.LastLap = 41250 * time.Millisecond
	driver.BestLap = 39 * time.Second
	if err := store.UpdateDriver(ctx, driver); err != nil {
		t.Fatalf("update driver: %v", err)
	}

	got, err := store.GetDriver(ctx, "s1", "d1")
	if err != nil {
		t.Fatalf("get driver: %v", err)
	}
	if got.LapCount != 2 || got.LastLap != driver.LastLap || got.BestLap != driver.BestLap {
		t.Fatalf("timing = %d/%v/%v, want 2/%v/%v", got.LapCount, got.LastLap, got.BestLap, driver.LastLap, driver.BestLap)
	}
	if !got.LastLapAt.Equal(driver.LastLapAt) {
		t.Fatalf("last_lap_at = %v, want %v", got.LastLapAt, driver.LastLapAt)
	}

	if err := store.UpdateDriver(ctx, domain.Driver{ID: "nope", SessionID: "s1", Name: "X"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("update missing error = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestDeleteDriver(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	createSession(t, store, "s1", "Heat A", storeEpoch)
	createDriver(t, store, domain.Driver{ID: "d1", SessionID: "s1", Name: "Ana", Kart: "1"})

	if err := store.DeleteDriver(ctx, "s1", "d1"); err != nil {
		t.Fatalf("delete driver: %v", err)
	}
	if err := store.DeleteDriver(ctx, "s1", "d1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second delete error = %v, want %v", err, storage.ErrNotFound)
	}
	drivers, err := store.ListDrivers(ctx, "s1")
	if err != nil {
		t.Fatalf("list drivers: %v", err)
	}
	if len(drivers) != 0 {
		t.Fatalf("drivers len = %d, want 0", len(drivers))
	}
}

func TestStartRaceResetsLapsAndAllowsOneActiveRace(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	createSession(t, store, "s1", "Heat A", storeEpoch)
	createDriver(t, store, domain.Driver{
		ID: "d1", SessionID: "s1", Name: "Ana", Kart: "1",
		LapCount: 5, LastLapAt: storeEpoch, LastLap: time.Minute, BestLap: 50 * time.Second,
	})

	race := newRace(t, "r1", "s1", storeEpoch)
	if err := store.StartRace(ctx, race); err != nil {
		t.Fatalf("start race: %v", err)
	}
	driver, err := store.GetDriver(ctx, "s1", "d1")
	if err != nil {
		t.Fatalf("get driver: %v", err)
	}
	if driver.LapCount != 0 || driver.BestLap != 0 || !driver.LastLapAt.IsZero() {
		t.Fatalf("expected reset timing, got %+v", driver)
	}

	second := newRace(t, "r2", "s1", storeEpoch.Add(time.Second))
	if err := store.StartRace(ctx, second); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("second active race error = %v, want %v", err, storage.ErrAlreadyExists)
	}
}

func TestSaveRaceUpdatesSessionStatus(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	createSession(t, store, "s1", "Heat A", storeEpoch)
	race := newRace(t, "r1", "s1", storeEpoch)
	if err := store.StartRace(ctx, race); err != nil {
		t.Fatalf("start race: %v", err)
	}

	running, _ := domain.Advance(race, race.CountdownEndsAt)
	if err := store.SaveRace(ctx, running); err != nil {
		t.Fatalf("save running race: %v", err)
	}
	assertSessionStatus(t, store, "s1", domain.SessionActive)

	active, err := store.ListActiveRaces(ctx)
	if err != nil {
		t.Fatalf("list active races: %v", err)
	}
	if len(active) != 1 || active[0].ID != "r1" || active[0].Status != domain.RaceRunning {
		t.Fatalf("active races = %+v, want running r1", active)
	}
	if !active[0].StartedAt.Equal(race.CountdownEndsAt) {
		t.Fatalf("started_at = %v, want %v", active[0].StartedAt, race.CountdownEndsAt)
	}

	ended, _ := domain.End(running, running.StartedAt.Add(time.Minute))
	if err := store.SaveRace(ctx, ended); err != nil {
		t.Fatalf("save ended race: %v", err)
	}
	assertSessionStatus(t, store, "s1", domain.SessionCompleted)

	latest, err := store.LatestRace(ctx, "s1")
	if err != nil {
		t.Fatalf("latest race: %v", err)
	}
	if latest.Status != domain.RaceEnded || latest.EndReason != domain.EndManual {
		t.Fatalf("latest = %s/%s, want ended/manual", latest.Status, latest.EndReason)
	}
	if latest.Elapsed != time.Minute {
		t.Fatalf("elapsed = %v, want 1m", latest.Elapsed)
	}
	active, err = store.ListActiveRaces(ctx)
	if err != nil {
		t.Fatalf("list active races: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("active races len = %d, want 0", len(active))
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	createSession(t, store, "s1", "Heat A", storeEpoch)
	createDriver(t, store, domain.Driver{ID: "d1", SessionID: "s1", Name: "Ana", Kart: "1"})
	if err := store.StartRace(ctx, newRace(t, "r1", "s1", storeEpoch)); err != nil {
		t.Fatalf("start race: %v", err)
	}

	if err := store.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := store.GetDriver(ctx, "s1", "d1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("driver after cascade error = %v, want %v", err, storage.ErrNotFound)
	}
	if _, err := store.LatestRace(ctx, "s1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("race after cascade error = %v, want %v", err, storage.ErrNotFound)
	}
	if err := store.DeleteSession(ctx, "s1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second delete error = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestReopenKeepsData(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "racetrack.db")
	store, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	createSession(t, store, "s1", "Heat A", storeEpoch)
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	reopened, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	if _, err := reopened.GetSession(context.Background(), "s1"); err != nil {
		t.Fatalf("get session after reopen: %v", err)
	}
}

func TestStoreRespectsCanceledContext(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.ListSessions(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("list with canceled context error = %v, want %v", err, context.Canceled)
	}
}

func openTempStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "racetrack.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func createSession(t *testing.T, store *Store, id, name string, createdAt time.Time) {
	t.Helper()
	if err := store.CreateSession(context.Background(), domain.Session{ID: id, Name: name, Status: domain.SessionIdle, CreatedAt: createdAt}); err != nil {
		t.Fatalf("create session %s: %v", id, err)
	}
}

func createDriver(t *testing.T, store *Store, driver domain.Driver) {
	t.Helper()
	if driver.CreatedAt.IsZero() {
		driver.CreatedAt = storeEpoch
	}
	if err := store.CreateDriver(context.Background(), driver); err != nil {
		t.Fatalf("create driver %s: %v", driver.ID, err)
	}
}

func newRace(t *testing.T, id, sessionID string, now time.Time) domain.Race {
	t.Helper()
	race, err := domain.NewRace(sessionID, 10*time.Minute, 10*time.Second, now, func() (string, error) { return id, nil })
	if err != nil {
		t.Fatalf("new race: %v", err)
	}
	return race
}

func assertSessionStatus(t *testing.T, store *Store, sessionID string, want domain.SessionStatus) {
	t.Helper()
	session, err := store.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Status != want {
		t.Fatalf("session status = %q, want %q", session.Status, want)
	}
}
