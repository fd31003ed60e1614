package feed

import (
	"cmp"
	"slices"

	"github.com/louisbranch/racetrack/internal/services/racetrack/engine"
)

// Session statuses as rendered by the racetrack server.
const (
	sessionActive = "active"
)

// Board is the latest known state of every session the feed has seen.
type Board struct {
	Sessions []engine.SessionView
	Races    map[string]engine.RaceView
	Drivers  map[string][]engine.DriverView
	// Pinned keeps the board on one session regardless of activity.
	Pinned string
}

// Standing is one leaderboard row.
type Standing struct {
	Position int
	Driver   engine.DriverView
	// Fastest marks the holder of the session's best lap.
	Fastest bool
}

// NewBoard returns an empty board pinned to sessionID, if set.
func NewBoard(sessionID string) Board {
	return Board{
		Races:   make(map[string]engine.RaceView),
		Drivers: make(map[string][]engine.DriverView),
		Pinned:  sessionID,
	}
}

// Clone returns a copy that shares no slices or maps with b.
func (b Board) Clone() Board {
	out := Board{
		Sessions: slices.Clone(b.Sessions),
		Races:    make(map[string]engine.RaceView, len(b.Races)),
		Drivers:  make(map[string][]engine.DriverView, len(b.Drivers)),
		Pinned:   b.Pinned,
	}
	for id, race := range b.Races {
		out.Races[id] = race
	}
	for id, drivers := range b.Drivers {
		out.Drivers[id] = slices.Clone(drivers)
	}
	return out
}

// Session returns the listed session with id.
func (b Board) Session(id string) (engine.SessionView, bool) {
	for _, s := range b.Sessions {
		if s.ID == id {
			return s, true
		}
	}
	return engine.SessionView{}, false
}

// Focus picks the session to display: the pinned one, else the newest active
// session, else the newest session with a known race, else the newest session.
func (b Board) Focus() string {
	if b.Pinned != "" {
		return b.Pinned
	}
	sessions := slices.Clone(b.Sessions)
	slices.SortStableFunc(sessions, func(x, y engine.SessionView) int {
		return cmp.Compare(y.CreatedAt, x.CreatedAt)
	})
	for _, s := range sessions {
		if s.Status == sessionActive {
			return s.ID
		}
	}
	for _, s := range sessions {
		if _, ok := b.Races[s.ID]; ok {
			return s.ID
		}
	}
	if len(sessions) > 0 {
		return sessions[0].ID
	}
	return ""
}

// Standings orders the roster of sessionID by best lap. Drivers without a
// completed lap sort last, then by laps driven, then by name.
func (b Board) Standings(sessionID string) []Standing {
	drivers := slices.Clone(b.Drivers[sessionID])
	slices.SortStableFunc(drivers, compareDrivers)

	out := make([]Standing, len(drivers))
	for i, d := range drivers {
		out[i] = Standing{Position: i + 1, Driver: d}
	}
	if len(out) > 0 && out[0].Driver.BestLapMs > 0 {
		out[0].Fastest = true
	}
	return out
}

func compareDrivers(x, y engine.DriverView) int {
	switch {
	case x.BestLapMs > 0 && y.BestLapMs == 0:
		return -1
	case x.BestLapMs == 0 && y.BestLapMs > 0:
		return 1
	}
	if c := cmp.Compare(x.BestLapMs, y.BestLapMs); c != 0 {
		return c
	}
	if c := cmp.Compare(y.LapCount, x.LapCount); c != 0 {
		return c
	}
	return cmp.Compare(x.Name, y.Name)
}

func (b *Board) applySessionList(p engine.SessionListPayload) {
	b.Sessions = p.Sessions
	listed := make(map[string]struct{}, len(p.Sessions))
	for _, s := range p.Sessions {
		listed[s.ID] = struct{}{}
	}
	for id := range b.Races {
		if _, ok := listed[id]; !ok {
			delete(b.Races, id)
		}
	}
	for id := range b.Drivers {
		if _, ok := listed[id]; !ok {
			delete(b.Drivers, id)
		}
	}
}

func (b *Board) applyRaceStatus(p engine.RaceStatusPayload) {
	if p.Race == nil {
		delete(b.Races, p.SessionID)
		return
	}
	b.Races[p.SessionID] = *p.Race
}

func (b *Board) applyDriverList(p engine.DriverListPayload) {
	b.Drivers[p.SessionID] = p.Drivers
}

func (b *Board) applyLapUpdate(p engine.LapUpdatePayload) {
	drivers := b.Drivers[p.SessionID]
	i := slices.IndexFunc(drivers, func(d engine.DriverView) bool { return d.ID == p.Driver.ID })
	if i < 0 {
		b.Drivers[p.SessionID] = append(drivers, p.Driver)
		return
	}
	drivers[i] = p.Driver
}

func (b *Board) applyRaceTimer(p engine.RaceTimerPayload) {
	race, ok := b.Races[p.SessionID]
	if !ok || race.ID != p.RaceID {
		race = engine.RaceView{ID: p.RaceID, SessionID: p.SessionID}
	}
	race.Status = p.Status
	race.Flag = p.Flag
	race.ElapsedMs = p.ElapsedMs
	race.RemainingMs = p.RemainingMs
	race.CountdownMs = p.CountdownMs
	b.Races[p.SessionID] = race
}
