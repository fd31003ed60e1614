package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/louisbranch/racetrack/internal/platform/errors"
)

const maxDriverNameRunes = 64

var (
	// ErrDriverNameEmpty indicates a missing driver name.
	ErrDriverNameEmpty = apperrors.New(apperrors.CodeDriverNameEmpty, "driver name is required")
	// ErrDriverIDRequired indicates a driver event without a driver id.
	ErrDriverIDRequired = apperrors.New(apperrors.CodeDriverIDRequired, "driver id is required")
	// ErrNoKartAvailable indicates every kart in the fleet is already assigned.
	ErrNoKartAvailable = apperrors.New(apperrors.CodeNoKartAvailable, "no kart available in this session")
	// ErrKartAlreadyAssigned indicates the kart belongs to another driver of the session.
	ErrKartAlreadyAssigned = apperrors.New(apperrors.CodeKartAlreadyAssigned, "kart is already assigned in this session")
)

// Driver is a registered participant of one session and its lap timing for
// the current race.
type Driver struct {
	ID        string
	SessionID string
	Name      string
	// Kart is the transponder identifier laps are attributed by. Empty means
	// unassigned.
	Kart      string
	LapCount  int
	LastLapAt time.Time
	// LastLap is the duration of the most recently completed lap.
	LastLap time.Duration
	// BestLap is the fastest completed lap; zero until the first lap.
	BestLap   time.Duration
	CreatedAt time.Time
}

// DriverInput carries the identity fields an operator can set.
type DriverInput struct {
	SessionID string
	Name      string
	Kart      string
}

// NormalizeDriverInput trims and validates operator-provided driver fields.
func NormalizeDriverInput(input DriverInput) (DriverInput, error) {
	input.SessionID = strings.TrimSpace(input.SessionID)
	input.Name = strings.TrimSpace(input.Name)
	input.Kart = strings.TrimSpace(input.Kart)
	if input.SessionID == "" {
		return DriverInput{}, ErrSessionIDRequired
	}
	if input.Name == "" {
		return DriverInput{}, ErrDriverNameEmpty
	}
	if utf8.RuneCountInString(input.Name) > maxDriverNameRunes {
		return DriverInput{}, apperrors.New(apperrors.CodeDriverNameTooLong, fmt.Sprintf("driver name must be at most %d characters", maxDriverNameRunes))
	}
	return input, nil
}

// CreateDriver returns a driver with zeroed lap timing.
func CreateDriver(input DriverInput, now func() time.Time, idGenerator func() (string, error)) (Driver, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = NewID
	}
	normalized, err := NormalizeDriverInput(input)
	if err != nil {
		return Driver{}, err
	}
	id, err := idGenerator()
	if err != nil {
		return Driver{}, fmt.Errorf("generate driver id: %w", err)
	}
	return Driver{
		ID:        id,
		SessionID: normalized.SessionID,
		Name:      normalized.Name,
		Kart:      normalized.Kart,
		CreatedAt: now().UTC(),
	}, nil
}

// ResetLaps clears lap timing at the start of a new race.
func (d Driver) ResetLaps() Driver {
	d.LapCount = 0
	d.LastLapAt = time.Time{}
	d.LastLap = 0
	d.BestLap = 0
	return d
}

// FreeKart returns the lowest kart number in 1..fleetSize not assigned to any
// of the given drivers.
func FreeKart(drivers []Driver, fleetSize int) (string, error) {
	taken := make(map[string]struct{}, len(drivers))
	for _, d := range drivers {
		if d.Kart != "" {
			taken[d.Kart] = struct{}{}
		}
	}
	for n := 1; n <= fleetSize; n++ {
		kart := strconv.Itoa(n)
		if _, ok := taken[kart]; !ok {
			return kart, nil
		}
	}
	return "", ErrNoKartAvailable
}

// KartTaken reports whether another driver of the same roster already holds kart.
func KartTaken(drivers []Driver, kart string, exceptDriverID string) bool {
	if kart == "" {
		return false
	}
	for _, d := range drivers {
		if d.ID != exceptDriverID && d.Kart == kart {
			return true
		}
	}
	return false
}
