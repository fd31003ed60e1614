package engine

import (
	"context"
	"errors"
	"strings"

	apperrors "github.com/louisbranch/racetrack/internal/platform/errors"
	"github.com/louisbranch/racetrack/internal/services/racetrack/domain"
	"github.com/louisbranch/racetrack/internal/services/racetrack/storage"
)

var (
	errRaceAlreadyActive = apperrors.New(apperrors.CodeRaceAlreadyActive, "session already has a race in progress")
	errRaceNotActive     = apperrors.New(apperrors.CodeRaceNotActive, "session has no race in progress")
)

func (e *Engine) startRace(ctx context.Context, c *call, p sessionPayload) (Ack, error) {
	sessionID := strings.TrimSpace(p.SessionID)
	if sessionID == "" {
		return Ack{}, domain.ErrSessionIDRequired
	}
	c.sessionID = sessionID

	unlock := e.locks.lock(sessionID)
	defer unlock()
	if err := e.advanceLocked(ctx, sessionID); err != nil {
		return Ack{}, err
	}
	if e.activeRace(sessionID) != nil {
		return Ack{}, errRaceAlreadyActive
	}
	session, err := e.requireSession(ctx, sessionID)
	if err != nil {
		return Ack{}, err
	}

	roster, err := e.store.ListDrivers(ctx, sessionID)
	if err != nil {
		return Ack{}, persistenceError("list drivers", err)
	}
	race, err := domain.NewRace(sessionID, e.cfg.RaceDuration, e.cfg.Countdown, e.now(), e.newID)
	if err != nil {
		return Ack{}, err
	}
	if err := e.store.StartRace(ctx, race); err != nil {
		switch {
		case errors.Is(err, storage.ErrAlreadyExists):
			return Ack{}, errRaceAlreadyActive
		case errors.Is(err, storage.ErrNotFound):
			return Ack{}, errSessionNotFound
		}
		return Ack{}, persistenceError("start race", err)
	}
	drivers := make([]domain.Driver, 0, len(roster))
	for _, d := range roster {
		drivers = append(drivers, d.ResetLaps())
	}
	e.setActive(sessionID, &activeRace{race: race, drivers: drivers})
	e.logger.Info().Str("session_id", sessionID).Str("race_id", race.ID).Dur("duration", race.Duration).Msg("race countdown started")

	e.publish(sessionID, FrameRaceStatus, RaceStatusPayload{SessionID: sessionID, Race: raceView(race, e.now())})
	e.publish(sessionID, FrameDriverList, DriverListPayload{SessionID: sessionID, Drivers: driverViews(drivers)})
	if session.Status != domain.SessionStatusFor(race) {
		e.publishSessionList(ctx)
	}
	// A zero countdown starts the race right away.
	if err := e.advanceLocked(ctx, sessionID); err != nil {
		return Ack{}, err
	}
	return Ack{Status: AckOK, SessionID: sessionID, RaceID: race.ID}, nil
}

func (e *Engine) updateRaceStatus(ctx context.Context, c *call, p raceStatusRequest) (Ack, error) {
	sessionID := strings.TrimSpace(p.SessionID)
	if sessionID == "" {
		return Ack{}, domain.ErrSessionIDRequired
	}
	c.sessionID = sessionID

	unlock := e.locks.lock(sessionID)
	defer unlock()
	if err := e.advanceLocked(ctx, sessionID); err != nil {
		return Ack{}, err
	}
	ar := e.activeRace(sessionID)
	if ar == nil {
		return Ack{}, errRaceNotActive
	}
	next, changed, err := domain.Transition(ar.race, domain.TransitionRequest{
		Status: domain.RaceStatus(strings.TrimSpace(p.Status)),
		Flag:   domain.Flag(strings.TrimSpace(p.Flag)),
	}, e.now())
	if err != nil {
		return Ack{}, err
	}
	if !changed {
		return Ack{Status: AckNoop, SessionID: sessionID, RaceID: ar.race.ID}, nil
	}
	if err := e.commitRaceLocked(ctx, ar, next); err != nil {
		return Ack{}, err
	}
	return Ack{Status: AckOK, SessionID: sessionID, RaceID: next.ID}, nil
}

// endRace forces the active race to end. Without an active race it is a
// no-op that reports the last known race to the requester only.
func (e *Engine) endRace(ctx context.Context, c *call, p sessionPayload) (Ack, error) {
	sessionID := strings.TrimSpace(p.SessionID)
	if sessionID == "" {
		return Ack{}, domain.ErrSessionIDRequired
	}
	c.sessionID = sessionID

	unlock := e.locks.lock(sessionID)
	defer unlock()
	if err := e.advanceLocked(ctx, sessionID); err != nil {
		return Ack{}, err
	}
	ar := e.activeRace(sessionID)
	if ar == nil {
		status := RaceStatusPayload{SessionID: sessionID}
		latest, err := e.store.LatestRace(ctx, sessionID)
		switch {
		case err == nil:
			status.Race = raceView(latest, e.now())
		case !errors.Is(err, storage.ErrNotFound):
			return Ack{}, persistenceError("latest race", err)
		}
		if err := c.reply(FrameRaceStatus, status); err != nil {
			return Ack{}, err
		}
		ack := Ack{Status: AckNoop, SessionID: sessionID}
		if status.Race != nil {
			ack.RaceID = status.Race.ID
		}
		return ack, nil
	}

	next, _ := domain.End(ar.race, e.now())
	if err := e.commitRaceLocked(ctx, ar, next); err != nil {
		return Ack{}, err
	}
	return Ack{Status: AckOK, SessionID: sessionID, RaceID: next.ID}, nil
}
