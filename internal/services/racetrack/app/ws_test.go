package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"

	"github.com/louisbranch/racetrack/internal/services/racetrack/broadcast"
	"github.com/louisbranch/racetrack/internal/services/racetrack/engine"
	"github.com/louisbranch/racetrack/internal/services/racetrack/storage/sqlite"
)

type wsTestFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsTestAck struct {
	Result engine.Ack `json:"result"`
}

type wsTestError struct {
	Error engine.ErrorBody `json:"error"`
}

func newTestEngine(t *testing.T) (*engine.Engine, *broadcast.Hub) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "racetrack.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	hub := broadcast.NewHub(0, zerolog.Nop())
	t.Cleanup(hub.Close)
	e, err := engine.New(engine.Config{Countdown: 0}, store, hub)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, hub
}

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	e, hub := newTestEngine(t)
	return NewHandler(e, hub, zerolog.Nop())
}

func dialWS(t *testing.T, handler http.Handler, cookie string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return dialWSWithExistingServer(t, srv, cookie)
}

func dialWSWithServerURL(httpURL string, cookie string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
	cfg, err := websocket.NewConfig(wsURL, httpURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cookie) != "" {
		cfg.Header = make(http.Header)
		cfg.Header.Set("Cookie", cookie)
	}
	return websocket.DialConfig(cfg)
}

func dialWSWithExistingServer(t *testing.T, srv *httptest.Server, cookie string) *websocket.Conn {
	t.Helper()
	conn, err := dialWSWithServerURL(srv.URL, cookie)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
}

func writeRaw(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := websocket.Message.Send(conn, raw); err != nil {
		t.Fatalf("send raw frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got wsTestFrame
	if err := websocket.JSON.Receive(conn, &got); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return got
}

// readUntil skips frames until one of frameType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) wsTestFrame {
	t.Helper()
	for i := 0; i < 200; i++ {
		frame := readFrame(t, conn)
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("no %s frame within 200 frames", frameType)
	return wsTestFrame{}
}

func readAck(t *testing.T, conn *websocket.Conn, requestID string) engine.Ack {
	t.Helper()
	for i := 0; i < 50; i++ {
		frame := readFrame(t, conn)
		if frame.RequestID != requestID {
			continue
		}
		switch frame.Type {
		case engine.FrameAck:
			var ack wsTestAck
			if err := json.Unmarshal(frame.Payload, &ack); err != nil {
				t.Fatalf("decode ack: %v", err)
			}
			return ack.Result
		case engine.FrameError:
			t.Fatalf("request %s failed: %s", requestID, frame.Payload)
		}
	}
	t.Fatalf("no ack for request %s", requestID)
	return engine.Ack{}
}

func readError(t *testing.T, conn *websocket.Conn) (wsTestFrame, engine.ErrorBody) {
	t.Helper()
	frame := readUntil(t, conn, engine.FrameError)
	var body wsTestError
	if err := json.Unmarshal(frame.Payload, &body); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	return frame, body.Error
}

func TestWSConnectSendsSessionList(t *testing.T) {
	conn := dialWS(t, newTestHandler(t), "")
	frame := readFrame(t, conn)
	if frame.Type != engine.FrameSessionList {
		t.Fatalf("first frame = %s, want %s", frame.Type, engine.FrameSessionList)
	}
	var payload engine.SessionListPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("decode session list: %v", err)
	}
	if len(payload.Sessions) != 0 {
		t.Fatalf("sessions = %d, want 0", len(payload.Sessions))
	}
}

func TestWSRaceFlow(t *testing.T) {
	handler := newTestHandler(t)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	desk := dialWSWithExistingServer(t, srv, "")
	board := dialWSWithExistingServer(t, srv, "")
	readUntil(t, desk, engine.FrameSessionList)
	readUntil(t, board, engine.FrameSessionList)

	writeFrame(t, desk, map[string]any{"type": "addSession", "request_id": "r1", "payload": map[string]any{"name": "Heat 1"}})
	sessionID := readAck(t, desk, "r1").SessionID
	if sessionID == "" {
		t.Fatal("expected session id in ack")
	}
	writeFrame(t, desk, map[string]any{"type": "addDriver", "request_id": "r2", "payload": map[string]any{"sessionId": sessionID, "name": "Ana", "kart": 7}})
	driverID := readAck(t, desk, "r2").DriverID

	writeFrame(t, desk, map[string]any{"type": "startRace", "request_id": "r3", "payload": map[string]any{"sessionId": sessionID}})
	readAck(t, desk, "r3")

	writeFrame(t, desk, map[string]any{"type": "carLap", "request_id": "r4", "payload": map[string]any{"transponder": 7}})
	ack := readAck(t, desk, "r4")
	if ack.Status != engine.AckAccepted || ack.DriverID != driverID || ack.LapCount != 1 {
		t.Fatalf("lap ack = %+v", ack)
	}

	update := readUntil(t, board, engine.FrameLapUpdate)
	var payload engine.LapUpdatePayload
	if err := json.Unmarshal(update.Payload, &payload); err != nil {
		t.Fatalf("decode lap update: %v", err)
	}
	if payload.Driver.ID != driverID || payload.Driver.LapCount != 1 {
		t.Fatalf("lap update driver = %+v", payload.Driver)
	}
}

func TestWSLapWithoutRaceIsAcknowledged(t *testing.T) {
	conn := dialWS(t, newTestHandler(t), "")
	readFrame(t, conn)
	writeFrame(t, conn, map[string]any{"type": "carLap", "request_id": "lap-1", "payload": map[string]any{"transponder": "42"}})
	ack := readAck(t, conn, "lap-1")
	if ack.Status != engine.AckDiscarded || ack.Reason != "no_running_race" {
		t.Fatalf("ack = %+v, want discarded no_running_race", ack)
	}
}

func TestWSErrorFrameCarriesCodes(t *testing.T) {
	conn := dialWS(t, newTestHandler(t), "")
	readFrame(t, conn)
	writeFrame(t, conn, map[string]any{"type": "startRace", "request_id": "r1", "payload": map[string]any{"sessionId": "missing"}})
	frame, body := readError(t, conn)
	if frame.RequestID != "r1" {
		t.Fatalf("request_id = %q, want r1", frame.RequestID)
	}
	if body.Code != "NOT_FOUND" || body.Reason != "SESSION_NOT_FOUND" {
		t.Fatalf("error = %+v, want NOT_FOUND/SESSION_NOT_FOUND", body)
	}
}

func TestWSUnsupportedEvent(t *testing.T) {
	conn := dialWS(t, newTestHandler(t), "")
	readFrame(t, conn)
	writeFrame(t, conn, map[string]any{"type": "chat.send", "request_id": "r1", "payload": map[string]any{}})
	_, body := readError(t, conn)
	if body.Code != "INVALID_ARGUMENT" || body.Reason != "UNSUPPORTED_EVENT" {
		t.Fatalf("error = %+v", body)
	}
}

func TestWSPayloadTooLarge(t *testing.T) {
	conn := dialWS(t, newTestHandler(t), "")
	readFrame(t, conn)
	writeFrame(t, conn, map[string]any{
		"type":       "addSession",
		"request_id": "big",
		"payload":    map[string]any{"name": strings.Repeat("a", maxFramePayloadBytes)},
	})
	frame, body := readError(t, conn)
	if frame.RequestID != "big" || body.Message != "payload too large" {
		t.Fatalf("error = %+v (request %q)", body, frame.RequestID)
	}

	writeFrame(t, conn, map[string]any{"type": "requestSessionList", "request_id": "after"})
	readAck(t, conn, "after")
}

func TestWSClosesAfterRepeatedDecodeErrors(t *testing.T) {
	conn := dialWS(t, newTestHandler(t), "")
	readFrame(t, conn)
	for i := 0; i < maxDecodeErrorsPerConn; i++ {
		writeRaw(t, conn, "{not json")
		if _, body := readError(t, conn); body.Code != "INVALID_ARGUMENT" {
			t.Fatalf("decode error code = %s", body.Code)
		}
	}
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var frame wsTestFrame
	if err := websocket.JSON.Receive(conn, &frame); err == nil {
		t.Fatalf("expected closed connection, got %s frame", frame.Type)
	}
}

func TestWSDecodeErrorsResetAfterValidFrame(t *testing.T) {
	conn := dialWS(t, newTestHandler(t), "")
	readFrame(t, conn)
	for i := 0; i < maxDecodeErrorsPerConn-1; i++ {
		writeRaw(t, conn, "][")
		readError(t, conn)
	}
	writeFrame(t, conn, map[string]any{"type": "requestSessionList", "request_id": "ok"})
	readAck(t, conn, "ok")
	writeRaw(t, conn, "][")
	readError(t, conn)
	writeFrame(t, conn, map[string]any{"type": "requestSessionList", "request_id": "still-open"})
	readAck(t, conn, "still-open")
}

func TestWSRateLimitClosesConnection(t *testing.T) {
	conn := dialWS(t, newTestHandler(t), "")
	readFrame(t, conn)
	for i := 0; i <= DefaultFrameRate; i++ {
		writeFrame(t, conn, map[string]any{"type": "requestSessionList"})
	}
	_, body := readError(t, conn)
	if body.Code != "RESOURCE_EXHAUSTED" || body.Reason != "RATE_LIMITED" {
		t.Fatalf("error = %+v, want RESOURCE_EXHAUSTED/RATE_LIMITED", body)
	}
}

// sendLapBurst writes n crossings and returns how many were acknowledged
// before an error frame, if any.
func sendLapBurst(t *testing.T, conn *websocket.Conn, n int) (int, *engine.ErrorBody) {
	t.Helper()
	for i := 0; i < n; i++ {
		writeFrame(t, conn, map[string]any{
			"type":       "carLap",
			"request_id": fmt.Sprintf("lap-%d", i),
			"payload":    map[string]any{"transponder": i},
		})
	}
	acked := 0
	for acked < n {
		frame := readFrame(t, conn)
		switch frame.Type {
		case engine.FrameAck:
			acked++
		case engine.FrameError:
			var body wsTestError
			if err := json.Unmarshal(frame.Payload, &body); err != nil {
				t.Fatalf("decode error frame: %v", err)
			}
			return acked, &body.Error
		}
	}
	return acked, nil
}

func TestWSLapLineBurstIsNotRateLimited(t *testing.T) {
	handler := newRolesHandler(t)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cookie := postKey(t, handler, "lap-key").Result().Cookies()[0]
	conn := dialWSWithExistingServer(t, srv, cookie.Name+"="+cookie.Value)
	readFrame(t, conn)

	burst := DefaultFrameRate + 20
	acked, errBody := sendLapBurst(t, conn, burst)
	if errBody != nil {
		t.Fatalf("lap line burst rejected after %d acks: %+v", acked, *errBody)
	}
	if acked != burst {
		t.Fatalf("acks = %d, want %d", acked, burst)
	}
}

func TestWSFrameRateIsConfigurable(t *testing.T) {
	e, hub := newTestEngine(t)

	unlimited := dialWS(t, NewHandler(e, hub, zerolog.Nop(), WithFrameRate(0)), "")
	readFrame(t, unlimited)
	if acked, errBody := sendLapBurst(t, unlimited, DefaultFrameRate+20); errBody != nil {
		t.Fatalf("unlimited connection rejected after %d acks: %+v", acked, *errBody)
	}

	strict := dialWS(t, NewHandler(e, hub, zerolog.Nop(), WithFrameRate(5)), "")
	readFrame(t, strict)
	acked, errBody := sendLapBurst(t, strict, 10)
	if errBody == nil || errBody.Reason != "RATE_LIMITED" {
		t.Fatalf("error = %+v, want RATE_LIMITED", errBody)
	}
	if acked > 5 {
		t.Fatalf("acks before limit = %d, want at most 5", acked)
	}
}
