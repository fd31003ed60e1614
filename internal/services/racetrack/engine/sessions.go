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
	errSessionNotFound  = apperrors.New(apperrors.CodeSessionNotFound, "session not found")
	errDriverNotFound   = apperrors.New(apperrors.CodeDriverNotFound, "driver not found")
	errSessionHasRace   = apperrors.New(apperrors.CodeSessionHasActiveRace, "session has a race in progress")
	errRosterLocked     = apperrors.New(apperrors.CodeRosterLocked, "roster cannot change while a race is in progress")
	errSessionNameTaken = apperrors.New(apperrors.CodeSessionNameAlreadyTaken, "a session with this name already exists")
)

func (e *Engine) requestSessionList(ctx context.Context, c *call, _ struct{}) (Ack, error) {
	e.catalogMu.Lock()
	defer e.catalogMu.Unlock()
	sessions, err := e.store.ListSessions(ctx)
	if err != nil {
		return Ack{}, persistenceError("list sessions", err)
	}
	if err := c.reply(FrameSessionList, SessionListPayload{Sessions: sessionViews(sessions)}); err != nil {
		return Ack{}, err
	}
	return Ack{Status: AckOK}, nil
}

func (e *Engine) addSession(ctx context.Context, c *call, p addSessionPayload) (Ack, error) {
	session, err := domain.CreateSession(p.Name, e.now, e.newID)
	if err != nil {
		return Ack{}, err
	}
	c.sessionID = session.ID

	e.catalogMu.Lock()
	defer e.catalogMu.Unlock()
	if err := e.store.CreateSession(ctx, session); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return Ack{}, errSessionNameTaken
		}
		return Ack{}, persistenceError("create session", err)
	}
	e.logger.Info().Str("session_id", session.ID).Str("name", session.Name).Msg("session created")
	e.publishSessionListLocked(ctx)
	return Ack{Status: AckOK, SessionID: session.ID}, nil
}

func (e *Engine) removeSession(ctx context.Context, c *call, p sessionRef) (Ack, error) {
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
		return Ack{}, errSessionHasRace
	}

	e.catalogMu.Lock()
	defer e.catalogMu.Unlock()
	if err := e.store.DeleteSession(ctx, sessionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Ack{}, errSessionNotFound
		}
		return Ack{}, persistenceError("delete session", err)
	}
	if e.journal != nil {
		if err := e.journal.DropSession(sessionID); err != nil {
			e.logger.Warn().Err(err).Str("session_id", sessionID).Msg("drop session crossings")
		}
	}
	e.hub.Forget(sessionID)
	e.logger.Info().Str("session_id", sessionID).Msg("session removed")
	e.publishSessionListLocked(ctx)
	return Ack{Status: AckOK, SessionID: sessionID}, nil
}

// requireSession loads a session or reports it missing.
func (e *Engine) requireSession(ctx context.Context, sessionID string) (domain.Session, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Session{}, errSessionNotFound
		}
		return domain.Session{}, persistenceError("get session", err)
	}
	return session, nil
}

func (e *Engine) addDriver(ctx context.Context, c *call, p driverPayload) (Ack, error) {
	name := ""
	if p.Name != nil {
		name = *p.Name
	}
	kart := ""
	if p.Kart != nil {
		kart = string(*p.Kart)
	}
	input, err := domain.NormalizeDriverInput(domain.DriverInput{SessionID: p.SessionID, Name: name, Kart: kart})
	if err != nil {
		return Ack{}, err
	}
	c.sessionID = input.SessionID

	unlock := e.locks.lock(input.SessionID)
	defer unlock()
	if err := e.advanceLocked(ctx, input.SessionID); err != nil {
		return Ack{}, err
	}
	if _, err := e.requireSession(ctx, input.SessionID); err != nil {
		return Ack{}, err
	}
	if e.activeRace(input.SessionID) != nil {
		return Ack{}, errRosterLocked
	}

	roster, err := e.store.ListDrivers(ctx, input.SessionID)
	if err != nil {
		return Ack{}, persistenceError("list drivers", err)
	}
	if input.Kart == "" {
		input.Kart, err = domain.FreeKart(roster, e.cfg.KartCount)
		if err != nil {
			return Ack{}, err
		}
	} else if domain.KartTaken(roster, input.Kart, "") {
		return Ack{}, domain.ErrKartAlreadyAssigned
	}

	driver, err := domain.CreateDriver(input, e.now, e.newID)
	if err != nil {
		return Ack{}, err
	}
	if err := e.store.CreateDriver(ctx, driver); err != nil {
		switch {
		case errors.Is(err, storage.ErrAlreadyExists):
			return Ack{}, domain.ErrKartAlreadyAssigned
		case errors.Is(err, storage.ErrNotFound):
			return Ack{}, errSessionNotFound
		}
		return Ack{}, persistenceError("create driver", err)
	}
	e.logger.Info().Str("session_id", driver.SessionID).Str("driver_id", driver.ID).Str("kart", driver.Kart).Msg("driver added")
	e.publishDriverList(ctx, driver.SessionID)
	return Ack{Status: AckOK, SessionID: driver.SessionID, DriverID: driver.ID}, nil
}

func (e *Engine) editDriver(ctx context.Context, c *call, p driverPayload) (Ack, error) {
	sessionID := strings.TrimSpace(p.SessionID)
	driverID := strings.TrimSpace(p.DriverID)
	if sessionID == "" {
		return Ack{}, domain.ErrSessionIDRequired
	}
	if driverID == "" {
		return Ack{}, domain.ErrDriverIDRequired
	}
	c.sessionID = sessionID

	unlock := e.locks.lock(sessionID)
	defer unlock()
	if err := e.advanceLocked(ctx, sessionID); err != nil {
		return Ack{}, err
	}
	current, err := e.store.GetDriver(ctx, sessionID, driverID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Ack{}, errDriverNotFound
		}
		return Ack{}, persistenceError("get driver", err)
	}

	input := domain.DriverInput{SessionID: sessionID, Name: current.Name, Kart: current.Kart}
	if p.Name != nil {
		input.Name = *p.Name
	}
	if p.Kart != nil {
		input.Kart = string(*p.Kart)
	}
	input, err = domain.NormalizeDriverInput(input)
	if err != nil {
		return Ack{}, err
	}

	ar := e.activeRace(sessionID)
	if input.Kart != current.Kart {
		if ar != nil {
			return Ack{}, errRosterLocked
		}
		roster, err := e.store.ListDrivers(ctx, sessionID)
		if err != nil {
			return Ack{}, persistenceError("list drivers", err)
		}
		if domain.KartTaken(roster, input.Kart, driverID) {
			return Ack{}, domain.ErrKartAlreadyAssigned
		}
	}
	if input.Name == current.Name && input.Kart == current.Kart {
		return Ack{Status: AckNoop, SessionID: sessionID, DriverID: driverID}, nil
	}

	updated := current
	updated.Name = input.Name
	updated.Kart = input.Kart
	if err := e.store.UpdateDriver(ctx, updated); err != nil {
		switch {
		case errors.Is(err, storage.ErrAlreadyExists):
			return Ack{}, domain.ErrKartAlreadyAssigned
		case errors.Is(err, storage.ErrNotFound):
			return Ack{}, errDriverNotFound
		}
		return Ack{}, persistenceError("update driver", err)
	}
	if ar != nil {
		e.replaceRosterDriver(ar, updated)
	}
	e.logger.Info().Str("session_id", sessionID).Str("driver_id", driverID).Msg("driver updated")
	e.publishDriverList(ctx, sessionID)
	return Ack{Status: AckOK, SessionID: sessionID, DriverID: driverID}, nil
}

func (e *Engine) removeDriver(ctx context.Context, c *call, p driverPayload) (Ack, error) {
	sessionID := strings.TrimSpace(p.SessionID)
	driverID := strings.TrimSpace(p.DriverID)
	if sessionID == "" {
		return Ack{}, domain.ErrSessionIDRequired
	}
	if driverID == "" {
		return Ack{}, domain.ErrDriverIDRequired
	}
	c.sessionID = sessionID

	unlock := e.locks.lock(sessionID)
	defer unlock()
	if err := e.advanceLocked(ctx, sessionID); err != nil {
		return Ack{}, err
	}
	if e.activeRace(sessionID) != nil {
		return Ack{}, errRosterLocked
	}
	if err := e.store.DeleteDriver(ctx, sessionID, driverID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Ack{}, errDriverNotFound
		}
		return Ack{}, persistenceError("delete driver", err)
	}
	e.logger.Info().Str("session_id", sessionID).Str("driver_id", driverID).Msg("driver removed")
	e.publishDriverList(ctx, sessionID)
	return Ack{Status: AckOK, SessionID: sessionID, DriverID: driverID}, nil
}

// getDrivers answers with the roster and the latest race of a session, and
// narrows the requester's session-scoped updates to it.
func (e *Engine) getDrivers(ctx context.Context, c *call, p sessionPayload) (Ack, error) {
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
	if _, err := e.requireSession(ctx, sessionID); err != nil {
		return Ack{}, err
	}
	drivers, err := e.store.ListDrivers(ctx, sessionID)
	if err != nil {
		return Ack{}, persistenceError("list drivers", err)
	}
	if c.Peer != nil {
		c.Peer.Watch(sessionID)
	}
	if err := c.reply(FrameDriverList, DriverListPayload{SessionID: sessionID, Drivers: driverViews(drivers)}); err != nil {
		return Ack{}, err
	}

	status := RaceStatusPayload{SessionID: sessionID}
	if ar := e.activeRace(sessionID); ar != nil {
		status.Race = raceView(ar.race, e.now())
	} else if latest, err := e.store.LatestRace(ctx, sessionID); err == nil {
		status.Race = raceView(latest, e.now())
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Ack{}, persistenceError("latest race", err)
	}
	if err := c.reply(FrameRaceStatus, status); err != nil {
		return Ack{}, err
	}
	return Ack{Status: AckOK, SessionID: sessionID}, nil
}

// replaceRosterDriver swaps a driver in the active roster. Callers hold the
// session lock.
func (e *Engine) replaceRosterDriver(ar *activeRace, driver domain.Driver) {
	drivers := make([]domain.Driver, len(ar.drivers))
	copy(drivers, ar.drivers)
	for i := range drivers {
		if drivers[i].ID == driver.ID {
			drivers[i] = driver
		}
	}
	e.setActive(driver.SessionID, &activeRace{race: ar.race, drivers: drivers})
}
