package domain

import (
	"strings"
	"time"
)

// DiscardReason names why a crossing did not count as a lap.
type DiscardReason string

const (
	DiscardNoRunningRace        DiscardReason = "no_running_race"
	DiscardUnknownTransponder   DiscardReason = "unknown_transponder"
	DiscardAmbiguousTransponder DiscardReason = "ambiguous_transponder"
	DiscardBounce               DiscardReason = "bounce"
	DiscardOutOfOrder           DiscardReason = "out_of_order"
)

// DiscardReasons lists every reason in a stable order.
var DiscardReasons = []DiscardReason{
	DiscardNoRunningRace,
	DiscardUnknownTransponder,
	DiscardAmbiguousTransponder,
	DiscardBounce,
	DiscardOutOfOrder,
}

// LapEvent is one raw crossing of the timing line.
type LapEvent struct {
	Transponder string
	// Timestamp is when the kart crossed; zero means the receive time.
	Timestamp time.Time
	// SessionID narrows attribution to one session when set.
	SessionID string
}

// Normalize trims identifiers and fills a missing timestamp with now.
func (e LapEvent) Normalize(now time.Time) LapEvent {
	e.Transponder = strings.TrimSpace(e.Transponder)
	e.SessionID = strings.TrimSpace(e.SessionID)
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()
	return e
}

// MatchTransponder returns the drivers whose kart equals transponder.
func MatchTransponder(drivers []Driver, transponder string) []Driver {
	if transponder == "" {
		return nil
	}
	var matched []Driver
	for _, d := range drivers {
		if d.Kart == transponder {
			matched = append(matched, d)
		}
	}
	return matched
}

// ApplyLap folds a crossing at ts into the driver's timing for a running
// race. The first lap is measured from the race start; later laps from the
// previous crossing, which must be at least minLap earlier. Crossings after
// latest are out of order; see Race.LapDeadline.
func ApplyLap(d Driver, race Race, ts, latest time.Time, minLap time.Duration) (Driver, DiscardReason) {
	if race.Status != RaceRunning {
		return d, DiscardNoRunningRace
	}
	ts = ts.UTC()
	if ts.Before(race.StartedAt) || ts.After(latest) {
		return d, DiscardOutOfOrder
	}
	previous := race.StartedAt
	if d.LapCount > 0 {
		previous = d.LastLapAt
		if ts.Before(previous) {
			return d, DiscardOutOfOrder
		}
		if ts.Sub(previous) < minLap {
			return d, DiscardBounce
		}
	}

	lap := ts.Sub(previous)
	d.LapCount++
	d.LastLapAt = ts
	d.LastLap = lap
	if d.BestLap == 0 || lap < d.BestLap {
		d.BestLap = lap
	}
	return d, ""
}
