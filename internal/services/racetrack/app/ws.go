package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	apperrors "github.com/louisbranch/racetrack/internal/platform/errors"
	"github.com/louisbranch/racetrack/internal/platform/timeouts"
	"github.com/louisbranch/racetrack/internal/services/racetrack/broadcast"
	"github.com/louisbranch/racetrack/internal/services/racetrack/engine"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxMessageBytes        = maxFramePayloadBytes + 1024
	maxDecodeErrorsPerConn = 3
)

var (
	errInvalidFrame    = apperrors.New(apperrors.CodeInvalidPayload, "invalid frame payload")
	errFrameTooLarge   = apperrors.New(apperrors.CodeInvalidPayload, "frame too large")
	errPayloadTooLarge = apperrors.New(apperrors.CodeInvalidPayload, "payload too large")
	errRateLimited     = apperrors.New(apperrors.CodeRateLimited, "rate limit exceeded")
)

// wsWriter serializes writes to one connection. The hub writer and the
// read loop both write through it.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) write(frame broadcast.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(timeouts.WSWrite))
	return websocket.JSON.Send(w.conn, frame)
}

func (h *handler) serveConn(conn *websocket.Conn, role engine.Role) {
	defer func() {
		_ = conn.Close()
	}()
	conn.MaxPayloadBytes = maxMessageBytes

	ctx := context.Background()
	remote := ""
	if req := conn.Request(); req != nil {
		ctx = req.Context()
		remote = req.RemoteAddr
	}
	logger := h.logger.With().Str("remote", remote).Str("role", string(role)).Logger()

	writer := &wsWriter{conn: conn}
	peer := h.hub.Register(writer.write, func() {
		_ = conn.Close()
	})
	defer peer.Close()
	logger.Debug().Uint64("peer", peer.ID()).Msg("client connected")

	if err := h.engine.Connect(ctx, peer); err != nil {
		logger.Error().Err(err).Msg("send snapshot")
		return
	}

	// The lap line forwards sensor bursts; its backlog is bounded by the
	// peer queue instead.
	limited := h.frameRate > 0 && role != engine.RoleObserver
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0
	for {
		var raw []byte
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			if !errors.Is(err, websocket.ErrFrameTooLarge) {
				return
			}
			decodeErrors++
			if decodeErrors >= maxDecodeErrorsPerConn {
				_ = writeWSError(writer, "", errFrameTooLarge)
				return
			}
			queueWSError(peer, "", errFrameTooLarge)
			continue
		}

		var frame broadcast.Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
			decodeErrors++
			if decodeErrors >= maxDecodeErrorsPerConn {
				_ = writeWSError(writer, "", errInvalidFrame)
				logger.Info().Msg("closing connection after repeated decode errors")
				return
			}
			queueWSError(peer, "", errInvalidFrame)
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			queueWSError(peer, frame.RequestID, errPayloadTooLarge)
			continue
		}

		if limited {
			now := time.Now()
			if now.Sub(windowStart) >= time.Second {
				windowStart = now
				framesInWindow = 0
			}
			framesInWindow++
			if framesInWindow > h.frameRate {
				_ = writeWSError(writer, frame.RequestID, errRateLimited)
				logger.Warn().Msg("closing rate limited connection")
				return
			}
		}

		select {
		case <-peer.Done():
			return
		default:
		}
		_, _ = h.engine.Dispatch(ctx, engine.Request{
			Event:     frame.Type,
			RequestID: frame.RequestID,
			Payload:   frame.Payload,
			Role:      role,
			Peer:      peer,
		})
	}
}

func errorFrame(requestID string, err error) (broadcast.Frame, error) {
	frame, encErr := broadcast.NewFrame(engine.FrameError, engine.ErrorPayload{Error: engine.ErrorBody{
		Code:    apperrors.StatusName(err),
		Reason:  string(apperrors.CodeOf(err)),
		Message: apperrors.ClientMessage(err),
	}})
	if encErr != nil {
		return broadcast.Frame{}, encErr
	}
	frame.RequestID = requestID
	return frame, nil
}

// queueWSError sends an error frame in order with the peer's other frames.
func queueWSError(peer *broadcast.Peer, requestID string, err error) {
	if frame, encErr := errorFrame(requestID, err); encErr == nil {
		peer.Send(frame)
	}
}

// writeWSError writes an error frame directly, bypassing the peer queue, so
// it lands before the connection closes.
func writeWSError(w *wsWriter, requestID string, err error) error {
	frame, encErr := errorFrame(requestID, err)
	if encErr != nil {
		return encErr
	}
	return w.write(frame)
}
