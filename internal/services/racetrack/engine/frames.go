package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/louisbranch/racetrack/internal/services/racetrack/domain"
	"github.com/louisbranch/racetrack/internal/services/racetrack/journal"
)

// Outbound frame types.
const (
	FrameSessionList = "sessionList"
	FrameDriverList  = "driverList"
	FrameRaceStatus  = "raceStatus"
	FrameLapUpdate   = "lapUpdate"
	FrameRaceTimer   = "raceTimer"
	FrameLapHistory  = "lapHistory"
	FrameAck         = "ack"
	FrameError       = "error"
)

// SessionView is the client representation of a session.
type SessionView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
}

// SessionListPayload is the sessionList frame body.
type SessionListPayload struct {
	Sessions []SessionView `json:"sessions"`
}

// DriverView is the client representation of a driver and its timing.
// Times are unix milliseconds and durations are milliseconds.
type DriverView struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
	Kart      string `json:"kart"`
	LapCount  int    `json:"lapCount"`
	LastLapAt *int64 `json:"lastLapAt"`
	LastLapMs int64  `json:"lastLapMs"`
	BestLapMs int64  `json:"bestLapMs"`
}

// DriverListPayload is the driverList frame body.
type DriverListPayload struct {
	SessionID string       `json:"sessionId"`
	Drivers   []DriverView `json:"drivers"`
}

// RaceView is the client representation of a race at a point in time.
type RaceView struct {
	ID              string `json:"id"`
	SessionID       string `json:"sessionId"`
	Status          string `json:"status"`
	Flag            string `json:"flag"`
	DurationMs      int64  `json:"durationMs"`
	CountdownEndsAt int64  `json:"countdownEndsAt"`
	StartedAt       *int64 `json:"startedAt"`
	EndedAt         *int64 `json:"endedAt"`
	EndReason       string `json:"endReason,omitempty"`
	ElapsedMs       int64  `json:"elapsedMs"`
	RemainingMs     int64  `json:"remainingMs"`
	CountdownMs     int64  `json:"countdownMs"`
}

// RaceStatusPayload is the raceStatus frame body. Race is nil when the
// session never raced.
type RaceStatusPayload struct {
	SessionID string    `json:"sessionId"`
	Race      *RaceView `json:"race"`
}

// LapUpdatePayload is the lapUpdate frame body.
type LapUpdatePayload struct {
	SessionID string     `json:"sessionId"`
	RaceID    string     `json:"raceId"`
	Driver    DriverView `json:"driver"`
}

// RaceTimerPayload is the raceTimer frame body pushed on every tick.
type RaceTimerPayload struct {
	SessionID   string `json:"sessionId"`
	RaceID      string `json:"raceId"`
	Status      string `json:"status"`
	Flag        string `json:"flag"`
	ElapsedMs   int64  `json:"elapsedMs"`
	RemainingMs int64  `json:"remainingMs"`
	CountdownMs int64  `json:"countdownMs"`
}

// CrossingView is one journal entry as replayed to clients.
type CrossingView struct {
	ID          string `json:"id"`
	RaceID      string `json:"raceId,omitempty"`
	DriverID    string `json:"driverId,omitempty"`
	Transponder string `json:"transponder"`
	CrossedAt   int64  `json:"crossedAt"`
	Outcome     string `json:"outcome"`
	LapCount    int    `json:"lapCount,omitempty"`
	LapMs       int64  `json:"lapMs,omitempty"`
}

// LapHistoryPayload is the lapHistory frame body.
type LapHistoryPayload struct {
	SessionID string         `json:"sessionId"`
	Crossings []CrossingView `json:"crossings"`
}

// Ack is the result reported to the client that sent a request.
type Ack struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId,omitempty"`
	DriverID  string `json:"driverId,omitempty"`
	RaceID    string `json:"raceId,omitempty"`
	Reason    string `json:"reason,omitempty"`
	LapCount  int    `json:"lapCount,omitempty"`
}

// Ack statuses.
const (
	AckOK        = "ok"
	AckNoop      = "noop"
	AckAccepted  = "accepted"
	AckDiscarded = "discarded"
)

// AckPayload is the ack frame body.
type AckPayload struct {
	Result Ack `json:"result"`
}

// ErrorPayload is the error frame body.
type ErrorPayload struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the transport status name, the domain reason code and
// a client-safe message.
type ErrorBody struct {
	Code    string `json:"code"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func unixMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UnixMilli()
}

func optionalMillis(value time.Time) *int64 {
	if value.IsZero() {
		return nil
	}
	ms := value.UnixMilli()
	return &ms
}

func sessionViews(sessions []domain.Session) []SessionView {
	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, SessionView{
			ID:        s.ID,
			Name:      s.Name,
			Status:    string(s.Status),
			CreatedAt: unixMillis(s.CreatedAt),
		})
	}
	return views
}

func driverView(d domain.Driver) DriverView {
	return DriverView{
		ID:        d.ID,
		SessionID: d.SessionID,
		Name:      d.Name,
		Kart:      d.Kart,
		LapCount:  d.LapCount,
		LastLapAt: optionalMillis(d.LastLapAt),
		LastLapMs: d.LastLap.Milliseconds(),
		BestLapMs: d.BestLap.Milliseconds(),
	}
}

func driverViews(drivers []domain.Driver) []DriverView {
	views := make([]DriverView, 0, len(drivers))
	for _, d := range drivers {
		views = append(views, driverView(d))
	}
	return views
}

func raceView(r domain.Race, now time.Time) *RaceView {
	return &RaceView{
		ID:              r.ID,
		SessionID:       r.SessionID,
		Status:          string(r.Status),
		Flag:            string(r.Flag),
		DurationMs:      r.Duration.Milliseconds(),
		CountdownEndsAt: unixMillis(r.CountdownEndsAt),
		StartedAt:       optionalMillis(r.StartedAt),
		EndedAt:         optionalMillis(r.EndedAt),
		EndReason:       string(r.EndReason),
		ElapsedMs:       r.ElapsedAt(now).Milliseconds(),
		RemainingMs:     r.RemainingAt(now).Milliseconds(),
		CountdownMs:     r.CountdownAt(now).Milliseconds(),
	}
}

func raceTimer(r domain.Race, now time.Time) RaceTimerPayload {
	return RaceTimerPayload{
		SessionID:   r.SessionID,
		RaceID:      r.ID,
		Status:      string(r.Status),
		Flag:        string(r.Flag),
		ElapsedMs:   r.ElapsedAt(now).Milliseconds(),
		RemainingMs: r.RemainingAt(now).Milliseconds(),
		CountdownMs: r.CountdownAt(now).Milliseconds(),
	}
}

func crossingViews(entries []journal.Entry) []CrossingView {
	views := make([]CrossingView, 0, len(entries))
	for _, e := range entries {
		views = append(views, CrossingView{
			ID:          e.ID,
			RaceID:      e.RaceID,
			DriverID:    e.DriverID,
			Transponder: e.Transponder,
			CrossedAt:   unixMillis(e.CrossedAt),
			Outcome:     e.Outcome,
			LapCount:    e.LapCount,
			LapMs:       e.LapTime.Milliseconds(),
		})
	}
	return views
}

// flexID accepts a JSON string or integer; trackside equipment reports kart
// numbers either way.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("identifier must be a string or integer")
	}
	*f = flexID(strconv.FormatInt(n, 10))
	return nil
}

// sessionRef accepts either a bare session id string or {"sessionId": ...}.
type sessionRef struct {
	SessionID string
}

func (r *sessionRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &r.SessionID)
	}
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return err
	}
	r.SessionID = body.SessionID
	return nil
}

type sessionPayload struct {
	SessionID string `json:"sessionId"`
}

type addSessionPayload struct {
	Name string `json:"name"`
}

type driverPayload struct {
	SessionID string  `json:"sessionId"`
	DriverID  string  `json:"driverId"`
	Name      *string `json:"name"`
	Kart      *flexID `json:"kart"`
}

type raceStatusRequest struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Flag      string `json:"flag"`
}

type lapPayload struct {
	Transponder flexID `json:"transponder"`
	Timestamp   *int64 `json:"timestamp"`
	SessionID   string `json:"sessionId"`
}
