package engine

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/louisbranch/racetrack/internal/platform/errors"
	"github.com/louisbranch/racetrack/internal/services/racetrack/domain"
	"github.com/louisbranch/racetrack/internal/services/racetrack/journal"
)

var errTransponderMissing = apperrors.New(apperrors.CodeTransponderMissing, "transponder is required")

// candidate is a driver matched by transponder in a running race.
type candidate struct {
	sessionID string
	driverID  string
}

// carLap attributes one crossing to a driver of a running race. Crossings
// that cannot be attributed are acknowledged as discarded, never as errors.
func (e *Engine) carLap(ctx context.Context, c *call, p lapPayload) (Ack, error) {
	received := e.now().UTC()
	event := domain.LapEvent{
		Transponder: string(p.Transponder),
		SessionID:   p.SessionID,
	}
	if p.Timestamp != nil {
		event.Timestamp = time.UnixMilli(*p.Timestamp)
	}
	event = event.Normalize(received)
	if event.Transponder == "" {
		return Ack{}, errTransponderMissing
	}
	c.sessionID = event.SessionID

	// Countdowns and expiry due by now apply before matching.
	for _, sessionID := range e.activeSessionIDs() {
		if event.SessionID != "" && sessionID != event.SessionID {
			continue
		}
		unlock := e.locks.lock(sessionID)
		err := e.advanceLocked(ctx, sessionID)
		unlock()
		if err != nil {
			return Ack{}, err
		}
	}

	// Matching runs on a snapshot; the winner is re-checked under its lock.
	sessions, matches := e.matchRunning(event)
	switch {
	case sessions == 0:
		return e.discard(c, event, received, "", domain.DiscardNoRunningRace), nil
	case len(matches) == 0:
		return e.discard(c, event, received, "", domain.DiscardUnknownTransponder), nil
	case len(matches) > 1:
		return e.discard(c, event, received, "", domain.DiscardAmbiguousTransponder), nil
	}

	match := matches[0]
	c.sessionID = match.sessionID
	event.SessionID = match.sessionID
	unlock := e.locks.lock(match.sessionID)
	defer unlock()
	if err := e.advanceLocked(ctx, match.sessionID); err != nil {
		return Ack{}, err
	}

	ar := e.activeRace(match.sessionID)
	if ar == nil || ar.race.Status != domain.RaceRunning {
		return e.discard(c, event, received, "", domain.DiscardNoRunningRace), nil
	}
	index := -1
	for i, d := range ar.drivers {
		if d.ID == match.driverID && d.Kart == event.Transponder {
			index = i
			break
		}
	}
	if index < 0 {
		return e.discard(c, event, received, "", domain.DiscardUnknownTransponder), nil
	}

	updated, reason := domain.ApplyLap(ar.drivers[index], ar.race, event.Timestamp, ar.race.LapDeadline(received, e.cfg.MaxClockSkew), e.cfg.MinLapTime)
	if reason != "" {
		return e.discard(c, event, received, ar.race.ID, reason), nil
	}
	if err := e.store.UpdateDriver(ctx, updated); err != nil {
		return Ack{}, persistenceError("record lap", err)
	}
	e.replaceRosterDriver(ar, updated)
	e.accepted.Add(1)
	e.publish(match.sessionID, FrameLapUpdate, LapUpdatePayload{
		SessionID: match.sessionID,
		RaceID:    ar.race.ID,
		Driver:    driverView(updated),
	})
	e.record(journal.Entry{
		SessionID:   match.sessionID,
		RaceID:      ar.race.ID,
		DriverID:    updated.ID,
		Transponder: event.Transponder,
		CrossedAt:   event.Timestamp,
		ReceivedAt:  received,
		Outcome:     journal.OutcomeAccepted,
		LapCount:    updated.LapCount,
		LapTime:     updated.LastLap,
	})
	e.logger.Debug().
		Str("session_id", match.sessionID).
		Str("driver_id", updated.ID).
		Int("lap_count", updated.LapCount).
		Dur("lap", updated.LastLap).
		Msg("lap recorded")
	return Ack{Status: AckAccepted, SessionID: match.sessionID, DriverID: updated.ID, RaceID: ar.race.ID, LapCount: updated.LapCount}, nil
}

// matchRunning counts running races in scope and collects drivers whose kart
// equals the transponder.
func (e *Engine) matchRunning(event domain.LapEvent) (int, []candidate) {
	e.activeMu.RLock()
	defer e.activeMu.RUnlock()
	sessions := 0
	var matches []candidate
	for sessionID, ar := range e.active {
		if event.SessionID != "" && sessionID != event.SessionID {
			continue
		}
		if ar.race.Status != domain.RaceRunning {
			continue
		}
		sessions++
		for _, d := range domain.MatchTransponder(ar.drivers, event.Transponder) {
			matches = append(matches, candidate{sessionID: sessionID, driverID: d.ID})
		}
	}
	return sessions, matches
}

func (e *Engine) discard(c *call, event domain.LapEvent, received time.Time, raceID string, reason domain.DiscardReason) Ack {
	if counter, ok := e.discarded[reason]; ok {
		counter.Add(1)
	}
	e.record(journal.Entry{
		SessionID:   event.SessionID,
		RaceID:      raceID,
		Transponder: event.Transponder,
		CrossedAt:   event.Timestamp,
		ReceivedAt:  received,
		Outcome:     string(reason),
	})
	e.logger.Info().
		Str("session_id", event.SessionID).
		Str("transponder", event.Transponder).
		Str("reason", string(reason)).
		Str("request_id", c.RequestID).
		Msg("crossing discarded")
	return Ack{Status: AckDiscarded, SessionID: event.SessionID, Reason: string(reason)}
}

// record appends to the journal; failures are logged and never fail the lap.
func (e *Engine) record(entry journal.Entry) {
	if e.journal == nil {
		return
	}
	if _, err := e.journal.Append(entry); err != nil {
		e.logger.Warn().Err(err).Str("session_id", entry.SessionID).Msg("journal crossing")
	}
}

// getLapHistory replays a session's journal to the requester.
func (e *Engine) getLapHistory(_ context.Context, c *call, p sessionPayload) (Ack, error) {
	sessionID := strings.TrimSpace(p.SessionID)
	if sessionID == "" {
		return Ack{}, domain.ErrSessionIDRequired
	}
	c.sessionID = sessionID

	var entries []journal.Entry
	if e.journal != nil {
		var err error
		entries, err = e.journal.List(sessionID)
		if err != nil {
			return Ack{}, persistenceError("list crossings", err)
		}
	}
	if err := c.reply(FrameLapHistory, LapHistoryPayload{SessionID: sessionID, Crossings: crossingViews(entries)}); err != nil {
		return Ack{}, err
	}
	return Ack{Status: AckOK, SessionID: sessionID}, nil
}
