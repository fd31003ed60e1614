package domain

import (
	"fmt"
	"time"

	apperrors "github.com/louisbranch/racetrack/internal/platform/errors"
)

// RaceStatus is the lifecycle position of a race.
type RaceStatus string

const (
	// RacePending counts down to the start; laps are not accepted.
	RacePending RaceStatus = "pending"
	// RaceRunning accepts laps and advances the race clock.
	RaceRunning RaceStatus = "running"
	// RaceEnded is terminal for the race instance.
	RaceEnded RaceStatus = "ended"
)

// Flag is the race-control flag shown to drivers.
type Flag string

const (
	FlagSafe   Flag = "safe"
	FlagHazard Flag = "hazard"
	// FlagDanger stops the track; the race clock is paused while it is shown.
	FlagDanger Flag = "danger"
	// FlagFinish is final: once shown it cannot be withdrawn.
	FlagFinish Flag = "finish"
)

// EndReason records why a race ended.
type EndReason string

const (
	EndManual  EndReason = "manual"
	EndExpired EndReason = "expired"
	EndAborted EndReason = "aborted"
)

var (
	// ErrRaceStatusInvalid indicates an unknown requested status.
	ErrRaceStatusInvalid = apperrors.New(apperrors.CodeRaceStatusInvalid, "race status must be pending, running or ended")
	// ErrRaceFlagInvalid indicates an unknown requested flag.
	ErrRaceFlagInvalid = apperrors.New(apperrors.CodeRaceFlagInvalid, "race flag must be safe, hazard, danger or finish")
)

// Race is one timed running instance inside a session.
//
// Elapsed holds the clock time accumulated up to ResumedAt; while the race
// runs under a non-danger flag, the live elapsed time is Elapsed plus the time
// since ResumedAt.
type Race struct {
	ID              string
	SessionID       string
	Status          RaceStatus
	Flag            Flag
	Duration        time.Duration
	CountdownEndsAt time.Time
	StartedAt       time.Time
	ResumedAt       time.Time
	Elapsed         time.Duration
	EndedAt         time.Time
	EndReason       EndReason
	CreatedAt       time.Time
}

// NewRace returns a pending race whose countdown ends after countdown.
func NewRace(sessionID string, duration time.Duration, countdown time.Duration, now time.Time, idGenerator func() (string, error)) (Race, error) {
	if sessionID == "" {
		return Race{}, ErrSessionIDRequired
	}
	if duration <= 0 {
		return Race{}, fmt.Errorf("race duration must be positive")
	}
	if countdown < 0 {
		countdown = 0
	}
	if idGenerator == nil {
		idGenerator = NewID
	}
	id, err := idGenerator()
	if err != nil {
		return Race{}, fmt.Errorf("generate race id: %w", err)
	}
	now = now.UTC()
	return Race{
		ID:              id,
		SessionID:       sessionID,
		Status:          RacePending,
		Flag:            FlagSafe,
		Duration:        duration,
		CountdownEndsAt: now.Add(countdown),
		CreatedAt:       now,
	}, nil
}

// Active reports whether the race still occupies its session.
func (r Race) Active() bool {
	return r.Status == RacePending || r.Status == RaceRunning
}

func (r Race) clockRunning() bool {
	return r.Status == RaceRunning && r.Flag != FlagDanger
}

// ElapsedAt returns the race clock at now.
func (r Race) ElapsedAt(now time.Time) time.Duration {
	if !r.clockRunning() {
		return r.Elapsed
	}
	live := now.Sub(r.ResumedAt)
	if live < 0 {
		live = 0
	}
	return r.Elapsed + live
}

// RemainingAt returns the race time left at now, never negative.
func (r Race) RemainingAt(now time.Time) time.Duration {
	return max(r.Duration-r.ElapsedAt(now), 0)
}

// CountdownAt returns the countdown left at now for a pending race.
func (r Race) CountdownAt(now time.Time) time.Duration {
	if r.Status != RacePending {
		return 0
	}
	return max(r.CountdownEndsAt.Sub(now), 0)
}

// LapDeadline is the latest crossing time a running race accepts at now: the
// server clock plus skew, capped at the race's scheduled end while the clock
// runs.
func (r Race) LapDeadline(now time.Time, skew time.Duration) time.Time {
	latest := now.UTC().Add(max(skew, 0))
	if r.clockRunning() {
		if end := r.ResumedAt.Add(r.Duration - r.Elapsed); end.Before(latest) {
			latest = end
		}
	}
	return latest
}

// Advance applies the time-driven transitions due at now: the countdown
// starting the race and the duration forcing it to end. It reports whether
// anything changed.
func Advance(r Race, now time.Time) (Race, bool) {
	changed := false
	if r.Status == RacePending && !now.Before(r.CountdownEndsAt) {
		r = start(r, r.CountdownEndsAt)
		changed = true
	}
	if r.clockRunning() && r.ElapsedAt(now) >= r.Duration {
		expiredAt := r.ResumedAt.Add(r.Duration - r.Elapsed)
		r = end(r, expiredAt, EndExpired)
		changed = true
	}
	return r, changed
}

// End finishes an active race. Ending an ended race returns it unchanged with
// changed=false so callers can treat repeated requests as no-ops.
func End(r Race, now time.Time) (Race, bool) {
	switch r.Status {
	case RacePending:
		return end(r, now, EndAborted), true
	case RaceRunning:
		return end(r, now, EndManual), true
	default:
		return r, false
	}
}

// TransitionRequest is a manual race-control change. Empty fields are left
// as they are.
type TransitionRequest struct {
	Status RaceStatus
	Flag   Flag
}

// Transition validates and applies a manual status and/or flag change. The
// status change is applied first so a pending race can be started and
// flagged in one request.
func Transition(r Race, req TransitionRequest, now time.Time) (Race, bool, error) {
	if req.Status != "" && !validStatus(req.Status) {
		return r, false, ErrRaceStatusInvalid
	}
	if req.Flag != "" && !validFlag(req.Flag) {
		return r, false, ErrRaceFlagInvalid
	}
	if r.Status == RaceEnded {
		return r, false, invalidTransition(r.Status, req)
	}

	next := r
	changed := false
	if req.Status != "" && req.Status != r.Status {
		switch {
		case r.Status == RacePending && req.Status == RaceRunning:
			next = start(next, now)
		case req.Status == RaceEnded:
			next, _ = End(next, now)
		default:
			return r, false, invalidTransition(r.Status, req)
		}
		changed = true
	}

	if req.Flag != "" && req.Flag != next.Flag {
		if next.Status != RaceRunning {
			return r, false, invalidTransition(r.Status, req)
		}
		if next.Flag == FlagFinish {
			return r, false, invalidTransition(r.Status, req)
		}
		next = setFlag(next, req.Flag, now)
		changed = true
	}
	return next, changed, nil
}

func start(r Race, at time.Time) Race {
	at = at.UTC()
	r.Status = RaceRunning
	r.StartedAt = at
	r.ResumedAt = at
	r.Elapsed = 0
	return r
}

func end(r Race, at time.Time, reason EndReason) Race {
	at = at.UTC()
	if r.Status == RaceRunning {
		r.Elapsed = min(r.ElapsedAt(at), r.Duration)
	}
	r.Status = RaceEnded
	r.EndedAt = at
	r.EndReason = reason
	return r
}

func setFlag(r Race, flag Flag, now time.Time) Race {
	now = now.UTC()
	switch {
	case flag == FlagDanger:
		r.Elapsed = r.ElapsedAt(now)
		r.ResumedAt = now
	case r.Flag == FlagDanger:
		r.ResumedAt = now
	}
	r.Flag = flag
	return r
}

func invalidTransition(from RaceStatus, req TransitionRequest) error {
	to := string(req.Status)
	if to == "" {
		to = "flag " + string(req.Flag)
	}
	return apperrors.WithMetadata(
		apperrors.CodeRaceInvalidTransition,
		fmt.Sprintf("race transition not allowed: %s -> %s", from, to),
		map[string]string{"FromStatus": string(from), "To": to},
	)
}

func validStatus(status RaceStatus) bool {
	switch status {
	case RacePending, RaceRunning, RaceEnded:
		return true
	}
	return false
}

func validFlag(flag Flag) bool {
	switch flag {
	case FlagSafe, FlagHazard, FlagDanger, FlagFinish:
		return true
	}
	return false
}
