// Package sqlite provides a SQLite-backed racetrack storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/racetrack/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/racetrack/internal/services/racetrack/domain"
	"github.com/louisbranch/racetrack/internal/services/racetrack/storage"
	"github.com/louisbranch/racetrack/internal/services/racetrack/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists sessions, drivers and races in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Zero times are stored as 0 so unset timestamps survive a round trip.
func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite racetrack store and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	// modernc.org/sqlite applies connection pragmas through _pragma so every
	// pooled connection enforces foreign keys.
	dsn := cleanPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(ctx, sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// CreateSession inserts one session.
func (s *Store) CreateSession(ctx context.Context, session domain.Session) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	status := session.Status
	if status == "" {
		status = domain.SessionIdle
	}
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO sessions (id, name, status, created_at) VALUES (?, ?, ?, ?)`,
		session.ID,
		session.Name,
		string(status),
		toMillis(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession returns one session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Session{}, err
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, name, status, created_at FROM sessions WHERE id = ?`,
		strings.TrimSpace(sessionID),
	)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, storage.ErrNotFound
		}
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// ListSessions returns every session ordered by creation.
func (s *Store) ListSessions(ctx context.Context) ([]domain.Session, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, name, status, created_at FROM sessions ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []domain.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session; drivers and races cascade.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, strings.TrimSpace(sessionID))
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireAffected(result, "delete session")
}

// CreateDriver inserts one driver.
func (s *Store) CreateDriver(ctx context.Context, driver domain.Driver) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(driver.ID) == "" {
		return fmt.Errorf("driver id is required")
	}
	createdAt := driver.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO drivers (
		   id, session_id, name, kart,
		   lap_count, last_lap_at, last_lap_ms, best_lap_ms,
		   created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		driver.ID,
		driver.SessionID,
		driver.Name,
		driver.Kart,
		driver.LapCount,
		toMillis(driver.LastLapAt),
		driver.LastLap.Milliseconds(),
		driver.BestLap.Milliseconds(),
		toMillis(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		if isForeignKeyViolation(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("create driver: %w", err)
	}
	return nil
}

// GetDriver returns one driver of a session.
func (s *Store) GetDriver(ctx context.Context, sessionID, driverID string) (domain.Driver, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Driver{}, err
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, session_id, name, kart, lap_count, last_lap_at, last_lap_ms, best_lap_ms, created_at
		   FROM drivers
		  WHERE session_id = ? AND id = ?`,
		strings.TrimSpace(sessionID),
		strings.TrimSpace(driverID),
	)
	driver, err := scanDriver(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Driver{}, storage.ErrNotFound
		}
		return domain.Driver{}, fmt.Errorf("get driver: %w", err)
	}
	return driver, nil
}

// UpdateDriver overwrites a driver's identity and timing fields.
func (s *Store) UpdateDriver(ctx context.Context, driver domain.Driver) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE drivers
		    SET name = ?, kart = ?, lap_count = ?, last_lap_at = ?, last_lap_ms = ?, best_lap_ms = ?
		  WHERE session_id = ? AND id = ?`,
		driver.Name,
		driver.Kart,
		driver.LapCount,
		toMillis(driver.LastLapAt),
		driver.LastLap.Milliseconds(),
		driver.BestLap.Milliseconds(),
		driver.SessionID,
		driver.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("update driver: %w", err)
	}
	return requireAffected(result, "update driver")
}

// DeleteDriver removes one driver of a session.
func (s *Store) DeleteDriver(ctx context.Context, sessionID, driverID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM drivers WHERE session_id = ? AND id = ?`,
		strings.TrimSpace(sessionID),
		strings.TrimSpace(driverID),
	)
	if err != nil {
		return fmt.Errorf("delete driver: %w", err)
	}
	return requireAffected(result, "delete driver")
}

// ListDrivers returns a session roster ordered by creation.
func (s *Store) ListDrivers(ctx context.Context, sessionID string) ([]domain.Driver, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, session_id, name, kart, lap_count, last_lap_at, last_lap_ms, best_lap_ms, created_at
		   FROM drivers
		  WHERE session_id = ?
		  ORDER BY created_at ASC, id ASC`,
		strings.TrimSpace(sessionID),
	)
	if err != nil {
		return nil, fmt.Errorf("list drivers: %w", err)
	}
	defer rows.Close()

	drivers := []domain.Driver{}
	for rows.Next() {
		driver, err := scanDriver(rows)
		if err != nil {
			return nil, fmt.Errorf("list drivers: %w", err)
		}
		drivers = append(drivers, driver)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list drivers: %w", err)
	}
	return drivers, nil
}

// StartRace inserts a race and clears the session's lap timing in one transaction.
func (s *Store) StartRace(ctx context.Context, race domain.Race) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin start race: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO races (
		   id, session_id, status, flag, duration_ms,
		   countdown_ends_at, started_at, resumed_at, elapsed_ms,
		   ended_at, end_reason, created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		race.ID,
		race.SessionID,
		string(race.Status),
		string(race.Flag),
		race.Duration.Milliseconds(),
		toMillis(race.CountdownEndsAt),
		toMillis(race.StartedAt),
		toMillis(race.ResumedAt),
		race.Elapsed.Milliseconds(),
		toMillis(race.EndedAt),
		string(race.EndReason),
		toMillis(race.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		if isForeignKeyViolation(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("insert race: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE drivers
		    SET lap_count = 0, last_lap_at = 0, last_lap_ms = 0, best_lap_ms = 0
		  WHERE session_id = ?`,
		race.SessionID,
	); err != nil {
		return fmt.Errorf("reset driver laps: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE sessions SET status = ? WHERE id = ?`,
		string(domain.SessionStatusFor(race)),
		race.SessionID,
	); err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit start race: %w", err)
	}
	return nil
}

// SaveRace updates a race and the status of its session in one transaction.
func (s *Store) SaveRace(ctx context.Context, race domain.Race) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save race: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(
		ctx,
		`UPDATE races
		    SET status = ?, flag = ?, started_at = ?, resumed_at = ?, elapsed_ms = ?,
		        ended_at = ?, end_reason = ?
		  WHERE id = ? AND session_id = ?`,
		string(race.Status),
		string(race.Flag),
		toMillis(race.StartedAt),
		toMillis(race.ResumedAt),
		race.Elapsed.Milliseconds(),
		toMillis(race.EndedAt),
		string(race.EndReason),
		race.ID,
		race.SessionID,
	)
	if err != nil {
		return fmt.Errorf("update race: %w", err)
	}
	if err := requireAffected(result, "update race"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE sessions SET status = ? WHERE id = ?`,
		string(domain.SessionStatusFor(race)),
		race.SessionID,
	); err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save race: %w", err)
	}
	return nil
}

const raceColumns = `id, session_id, status, flag, duration_ms,
		        countdown_ends_at, started_at, resumed_at, elapsed_ms,
		        ended_at, end_reason, created_at`

// LatestRace returns the most recently created race of a session.
func (s *Store) LatestRace(ctx context.Context, sessionID string) (domain.Race, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Race{}, err
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+raceColumns+`
		   FROM races
		  WHERE session_id = ?
		  ORDER BY created_at DESC, id DESC
		  LIMIT 1`,
		strings.TrimSpace(sessionID),
	)
	race, err := scanRace(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Race{}, storage.ErrNotFound
		}
		return domain.Race{}, fmt.Errorf("latest race: %w", err)
	}
	return race, nil
}

// ListActiveRaces returns pending and running races across all sessions.
func (s *Store) ListActiveRaces(ctx context.Context) ([]domain.Race, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+raceColumns+`
		   FROM races
		  WHERE status IN ('pending', 'running')
		  ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list active races: %w", err)
	}
	defer rows.Close()

	var races []domain.Race
	for rows.Next() {
		race, err := scanRace(rows)
		if err != nil {
			return nil, fmt.Errorf("list active races: %w", err)
		}
		races = append(races, race)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active races: %w", err)
	}
	return races, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (domain.Session, error) {
	var session domain.Session
	var status string
	var createdAt int64
	if err := row.Scan(&session.ID, &session.Name, &status, &createdAt); err != nil {
		return domain.Session{}, err
	}
	session.Status = domain.SessionStatus(status)
	session.CreatedAt = fromMillis(createdAt)
	return session, nil
}

func scanDriver(row scanner) (domain.Driver, error) {
	var driver domain.Driver
	var lastLapAt, lastLapMs, bestLapMs, createdAt int64
	if err := row.Scan(
		&driver.ID,
		&driver.SessionID,
		&driver.Name,
		&driver.Kart,
		&driver.LapCount,
		&lastLapAt,
		&lastLapMs,
		&bestLapMs,
		&createdAt,
	); err != nil {
		return domain.Driver{}, err
	}
	driver.LastLapAt = fromMillis(lastLapAt)
	driver.LastLap = time.Duration(lastLapMs) * time.Millisecond
	driver.BestLap = time.Duration(bestLapMs) * time.Millisecond
	driver.CreatedAt = fromMillis(createdAt)
	return driver, nil
}

func scanRace(row scanner) (domain.Race, error) {
	var race domain.Race
	var status, flag, endReason string
	var durationMs, countdownEndsAt, startedAt, resumedAt, elapsedMs, endedAt, createdAt int64
	if err := row.Scan(
		&race.ID,
		&race.SessionID,
		&status,
		&flag,
		&durationMs,
		&countdownEndsAt,
		&startedAt,
		&resumedAt,
		&elapsedMs,
		&endedAt,
		&endReason,
		&createdAt,
	); err != nil {
		return domain.Race{}, err
	}
	race.Status = domain.RaceStatus(status)
	race.Flag = domain.Flag(flag)
	race.EndReason = domain.EndReason(endReason)
	race.Duration = time.Duration(durationMs) * time.Millisecond
	race.Elapsed = time.Duration(elapsedMs) * time.Millisecond
	race.CountdownEndsAt = fromMillis(countdownEndsAt)
	race.StartedAt = fromMillis(startedAt)
	race.ResumedAt = fromMillis(resumedAt)
	race.EndedAt = fromMillis(endedAt)
	race.CreatedAt = fromMillis(createdAt)
	return race, nil
}

func requireAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed")
}

var _ storage.Store = (*Store)(nil)
