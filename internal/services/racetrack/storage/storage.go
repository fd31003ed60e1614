// Package storage defines persistence contracts for racetrack state.
package storage

import (
	"context"
	"errors"

	"github.com/louisbranch/racetrack/internal/services/racetrack/domain"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a uniqueness constraint rejected the write.
	ErrAlreadyExists = errors.New("record already exists")
)

// SessionStore persists race sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session domain.Session) error
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
	// ListSessions returns sessions ordered by creation.
	ListSessions(ctx context.Context) ([]domain.Session, error)
	// DeleteSession removes a session with its drivers and races.
	DeleteSession(ctx context.Context, sessionID string) error
}

// DriverStore persists session rosters and lap timing.
type DriverStore interface {
	// CreateDriver returns ErrAlreadyExists when the kart is held by another
	// driver of the same session.
	CreateDriver(ctx context.Context, driver domain.Driver) error
	GetDriver(ctx context.Context, sessionID, driverID string) (domain.Driver, error)
	// UpdateDriver writes identity and timing fields.
	UpdateDriver(ctx context.Context, driver domain.Driver) error
	DeleteDriver(ctx context.Context, sessionID, driverID string) error
	// ListDrivers returns the roster ordered by creation.
	ListDrivers(ctx context.Context, sessionID string) ([]domain.Driver, error)
}

// RaceStore persists race instances and the session status they imply.
type RaceStore interface {
	// StartRace inserts a new race and clears lap timing for every driver of
	// the session atomically.
	StartRace(ctx context.Context, race domain.Race) error
	// SaveRace updates the race and sets the session status derived from it
	// atomically.
	SaveRace(ctx context.Context, race domain.Race) error
	// LatestRace returns the most recently created race of a session.
	LatestRace(ctx context.Context, sessionID string) (domain.Race, error)
	// ListActiveRaces returns pending and running races across sessions.
	ListActiveRaces(ctx context.Context) ([]domain.Race, error)
}

// Store is the full racetrack persistence surface.
type Store interface {
	SessionStore
	DriverStore
	RaceStore
	Close() error
}
