package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/racetrack/internal/platform/errors"
	"github.com/louisbranch/racetrack/internal/services/racetrack/broadcast"
)

// Inbound event names.
const (
	EventRequestSessionList = "requestSessionList"
	EventAddSession         = "addSession"
	EventRemoveSession      = "removeSession"
	EventAddDriver          = "addDriver"
	EventEditDriver         = "editDriver"
	EventRemoveDriver       = "removeDriver"
	EventGetDrivers         = "getDrivers"
	EventStartRace          = "startRace"
	EventUpdateRaceStatus   = "updateRaceStatus"
	EventEndRace            = "endRace"
	EventCarLap             = "carLap"
	EventGetLapHistory      = "getLapHistory"
)

// Role is the station a client authenticated as.
type Role string

const (
	RoleNone         Role = ""
	RoleReceptionist Role = "receptionist"
	RoleSafety       Role = "safety"
	RoleObserver     Role = "observer"
	// RoleOperator satisfies every requirement. It is used when role
	// enforcement is off.
	RoleOperator Role = "operator"
)

// Allows reports whether r may send events that require role.
func (r Role) Allows(required Role) bool {
	return required == RoleNone || r == RoleOperator || r == required
}

// Request is one inbound event from a client.
type Request struct {
	Event     string
	RequestID string
	Payload   json.RawMessage
	Role      Role
	// Peer receives direct replies; nil discards them.
	Peer *broadcast.Peer
}

// call carries a request through its handler.
type call struct {
	Request
	sessionID string
}

func (c *call) reply(frameType string, payload any) error {
	return sendFrame(c.Peer, c.RequestID, frameType, payload)
}

type handlerFunc func(ctx context.Context, c *call) (Ack, error)

type route struct {
	handle handlerFunc
	schema string
	role   Role
}

// typed decodes the payload into P before invoking fn.
func typed[P any](fn func(ctx context.Context, c *call, payload P) (Ack, error)) handlerFunc {
	return func(ctx context.Context, c *call) (Ack, error) {
		var payload P
		raw := bytes.TrimSpace(c.Payload)
		if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
			if err := json.Unmarshal(raw, &payload); err != nil {
				return Ack{}, apperrors.New(apperrors.CodeInvalidPayload, fmt.Sprintf("invalid %s payload", c.Event))
			}
		}
		return fn(ctx, c, payload)
	}
}

func (e *Engine) buildRoutes() map[string]route {
	return map[string]route{
		EventRequestSessionList: {handle: typed(e.requestSessionList)},
		EventAddSession:         {handle: typed(e.addSession), schema: "addSession", role: RoleReceptionist},
		EventRemoveSession:      {handle: typed(e.removeSession), schema: "removeSession", role: RoleReceptionist},
		EventAddDriver:          {handle: typed(e.addDriver), schema: "addDriver", role: RoleReceptionist},
		EventEditDriver:         {handle: typed(e.editDriver), schema: "editDriver", role: RoleReceptionist},
		EventRemoveDriver:       {handle: typed(e.removeDriver), schema: "removeDriver", role: RoleReceptionist},
		EventGetDrivers:         {handle: typed(e.getDrivers), schema: "session"},
		EventStartRace:          {handle: typed(e.startRace), schema: "session", role: RoleSafety},
		EventUpdateRaceStatus:   {handle: typed(e.updateRaceStatus), schema: "updateRaceStatus", role: RoleSafety},
		EventEndRace:            {handle: typed(e.endRace), schema: "session", role: RoleSafety},
		EventCarLap:             {handle: typed(e.carLap), schema: "carLap", role: RoleObserver},
		EventGetLapHistory:      {handle: typed(e.getLapHistory), schema: "session"},
	}
}

// Dispatch routes one event to its handler and answers the requester with
// an ack or an error frame. The returned ack and error are also handed back
// for callers without a peer.
func (e *Engine) Dispatch(ctx context.Context, req Request) (Ack, error) {
	ctx, span := e.tracer.Start(ctx, "racetrack."+req.Event, trace.WithAttributes(
		attribute.String("racetrack.event", req.Event),
		attribute.String("racetrack.role", string(req.Role)),
	))
	defer span.End()

	c := &call{Request: req}
	ack, err := e.dispatch(ctx, c)
	if c.sessionID != "" {
		span.SetAttributes(attribute.String("racetrack.session_id", c.sessionID))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, string(apperrors.CodeOf(err)))
		span.SetAttributes(attribute.String("racetrack.outcome", "error"))
		e.logEventError(c, err)
		e.replyError(c, err)
		return Ack{}, err
	}
	span.SetAttributes(attribute.String("racetrack.outcome", ack.Status))
	if err := c.reply(FrameAck, AckPayload{Result: ack}); err != nil {
		e.logger.Error().Err(err).Str("event", req.Event).Msg("encode ack")
	}
	return ack, nil
}

func (e *Engine) dispatch(ctx context.Context, c *call) (Ack, error) {
	r, ok := e.routes[c.Event]
	if !ok {
		return Ack{}, apperrors.WithMetadata(apperrors.CodeUnsupportedEvent, "unsupported event", map[string]string{"Event": c.Event})
	}
	if !c.Role.Allows(r.role) {
		return Ack{}, apperrors.WithMetadata(
			apperrors.CodeRolePermissionRequired,
			fmt.Sprintf("%s requires the %s role", c.Event, r.role),
			map[string]string{"Event": c.Event, "Role": string(r.role)},
		)
	}
	if r.schema != "" {
		if err := validatePayload(e.schemas[r.schema], c.Event, c.Payload); err != nil {
			return Ack{}, err
		}
	}
	return r.handle(ctx, c)
}

func (e *Engine) replyError(c *call, err error) {
	body := ErrorBody{
		Code:    apperrors.StatusName(err),
		Reason:  string(apperrors.CodeOf(err)),
		Message: apperrors.ClientMessage(err),
	}
	if sendErr := c.reply(FrameError, ErrorPayload{Error: body}); sendErr != nil {
		e.logger.Error().Err(sendErr).Str("event", c.Event).Msg("encode error frame")
	}
}

func (e *Engine) logEventError(c *call, err error) {
	event := e.logger.Warn()
	if apperrors.CodeOf(err) == apperrors.CodePersistenceFailed || apperrors.CodeOf(err) == apperrors.CodeUnknown {
		event = e.logger.Error()
	}
	event.Err(err).Str("event", c.Event).Str("session_id", c.sessionID).Str("request_id", c.RequestID).Msg("event rejected")
}
