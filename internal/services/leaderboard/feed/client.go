// Package feed follows the racetrack websocket and folds its pushes into a
// leaderboard snapshot.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/louisbranch/racetrack/internal/services/racetrack/broadcast"
	"github.com/louisbranch/racetrack/internal/services/racetrack/engine"
)

const (
	defaultURL   = "ws://localhost:8080/ws"
	maxReadBytes = 1 << 20
	userAgent    = "racetrack-leaderboard"
)

// Client follows the race feed. Every change is published as a full Board
// snapshot on Boards.
type Client struct {
	url    string
	board  Board
	logger zerolog.Logger

	// sessions already asked for their roster
	watched map[string]struct{}

	boardCh chan Board
	doneCh  chan error
}

// ClientOption configures a Client.
type ClientOption = func(c *Client)

// WithURL sets the websocket endpoint, e.g. ws://host:8080/ws.
func WithURL(url string) ClientOption {
	return func(c *Client) { c.url = url }
}

// WithSession pins the board to one session.
func WithSession(sessionID string) ClientOption {
	return func(c *Client) { c.board.Pinned = sessionID }
}

// WithLogger configures the client logger.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// New returns a feed client.
func New(opts ...ClientOption) *Client {
	c := &Client{
		url:     defaultURL,
		board:   NewBoard(""),
		logger:  zerolog.Nop(),
		watched: make(map[string]struct{}),
		boardCh: make(chan Board),
		doneCh:  make(chan error, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Boards delivers a snapshot after every applied push.
func (c *Client) Boards() <-chan Board {
	return c.boardCh
}

// Done yields the reason Listen stopped, nil on a normal close, and is then
// closed.
func (c *Client) Done() <-chan error {
	return c.doneCh
}

// Listen dials the feed and applies pushes until ctx ends or the server
// closes the connection.
func (c *Client) Listen(ctx context.Context) {
	defer close(c.doneCh)
	if err := c.listen(ctx); err != nil {
		c.doneCh <- err
	}
}

func (c *Client) listen(ctx context.Context) error {
	headers := make(http.Header)
	headers.Set("User-Agent", userAgent)
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		c.logger.Error().Err(err).Str("url", c.url).Msg("dial feed")
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxReadBytes)
	c.logger.Debug().Str("url", c.url).Msg("feed connected")

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				_ = conn.Close(websocket.StatusNormalClosure, "client closed")
				return nil
			}
			return fmt.Errorf("read feed: %w", err)
		}
		changed, err := c.processMessage(ctx, conn, msg)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		select {
		case c.boardCh <- c.board.Clone():
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "client closed")
			return nil
		}
	}
}

// processMessage applies one frame and reports whether the board changed.
func (c *Client) processMessage(ctx context.Context, conn *websocket.Conn, msg []byte) (bool, error) {
	var frame broadcast.Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		c.logger.Warn().Err(err).Msg("undecodable frame")
		return false, nil
	}

	switch frame.Type {
	case engine.FrameSessionList:
		var p engine.SessionListPayload
		if !c.decode(frame, &p) {
			return false, nil
		}
		c.board.applySessionList(p)
		return true, c.watchSessions(ctx, conn, p.Sessions)
	case engine.FrameRaceStatus:
		var p engine.RaceStatusPayload
		if !c.decode(frame, &p) {
			return false, nil
		}
		c.board.applyRaceStatus(p)
	case engine.FrameDriverList:
		var p engine.DriverListPayload
		if !c.decode(frame, &p) {
			return false, nil
		}
		c.board.applyDriverList(p)
	case engine.FrameLapUpdate:
		var p engine.LapUpdatePayload
		if !c.decode(frame, &p) {
			return false, nil
		}
		c.board.applyLapUpdate(p)
	case engine.FrameRaceTimer:
		var p engine.RaceTimerPayload
		if !c.decode(frame, &p) {
			return false, nil
		}
		c.board.applyRaceTimer(p)
	case engine.FrameError:
		var p engine.ErrorPayload
		if c.decode(frame, &p) {
			c.logger.Warn().
				Str("request_id", frame.RequestID).
				Str("code", p.Error.Code).
				Str("reason", p.Error.Reason).
				Msg(p.Error.Message)
		}
		return false, nil
	default:
		return false, nil
	}
	return true, nil
}

func (c *Client) decode(frame broadcast.Frame, target any) bool {
	if err := json.Unmarshal(frame.Payload, target); err != nil {
		c.logger.Warn().Err(err).Str("frame", frame.Type).Msg("frame payload in unknown format")
		return false
	}
	return true
}

// watchSessions asks for the roster of the pinned session and of every
// active session not yet requested. Asking narrows the server's pushes to the
// requested sessions, so each newly active session is requested as it shows
// up in the list.
func (c *Client) watchSessions(ctx context.Context, conn *websocket.Conn, sessions []engine.SessionView) error {
	listed := make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		listed[s.ID] = struct{}{}
		if _, ok := c.watched[s.ID]; ok {
			continue
		}
		if s.ID != c.board.Pinned && s.Status != sessionActive {
			continue
		}
		if err := c.requestDrivers(ctx, conn, s.ID); err != nil {
			return err
		}
		c.watched[s.ID] = struct{}{}
	}
	for id := range c.watched {
		if _, ok := listed[id]; !ok {
			delete(c.watched, id)
		}
	}
	return nil
}

func (c *Client) requestDrivers(ctx context.Context, conn *websocket.Conn, sessionID string) error {
	payload, err := json.Marshal(map[string]string{"sessionId": sessionID})
	if err != nil {
		return err
	}
	frame := broadcast.Frame{
		Type:      engine.EventGetDrivers,
		RequestID: "watch-" + sessionID,
		Payload:   payload,
	}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("request drivers for %s: %w", sessionID, err)
	}
	c.logger.Debug().Str("session_id", sessionID).Msg("watching session")
	return nil
}
