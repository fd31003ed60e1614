package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/louisbranch/racetrack/internal/platform/errors"
)

// SessionStatus describes where a session is in its racing lifecycle.
type SessionStatus string

const (
	// SessionIdle has no running race.
	SessionIdle SessionStatus = "idle"
	// SessionActive has exactly one running race.
	SessionActive SessionStatus = "active"
	// SessionCompleted finished at least one race and has none running.
	SessionCompleted SessionStatus = "completed"
)

const maxSessionNameRunes = 64

var (
	// ErrSessionNameEmpty indicates a missing session name.
	ErrSessionNameEmpty = apperrors.New(apperrors.CodeSessionNameEmpty, "session name is required")
	// ErrSessionIDRequired indicates a missing session id on a session-scoped event.
	ErrSessionIDRequired = apperrors.New(apperrors.CodeSessionIDRequired, "session id is required")
)

// Session is one heat of racing with its own drivers and at most one active race.
type Session struct {
	ID        string
	Name      string
	Status    SessionStatus
	CreatedAt time.Time
}

// CreateSession normalizes the name and returns an idle session.
func CreateSession(name string, now func() time.Time, idGenerator func() (string, error)) (Session, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = NewID
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Session{}, ErrSessionNameEmpty
	}
	if utf8.RuneCountInString(name) > maxSessionNameRunes {
		return Session{}, apperrors.New(apperrors.CodeInvalidPayload, fmt.Sprintf("session name must be at most %d characters", maxSessionNameRunes))
	}
	id, err := idGenerator()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}
	return Session{
		ID:        id,
		Name:      name,
		Status:    SessionIdle,
		CreatedAt: now().UTC(),
	}, nil
}

// SessionStatusFor derives the session status implied by a race. A session is
// active only while its race runs; an ended race leaves it completed.
func SessionStatusFor(race Race) SessionStatus {
	switch race.Status {
	case RaceRunning:
		return SessionActive
	case RaceEnded:
		return SessionCompleted
	default:
		return SessionIdle
	}
}
