// Package errors provides structured error handling for the racetrack core.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Validation errors
	CodeInvalidPayload     Code = "INVALID_PAYLOAD"
	CodeSessionIDRequired  Code = "SESSION_ID_REQUIRED"
	CodeSessionNameEmpty   Code = "SESSION_NAME_EMPTY"
	CodeDriverIDRequired   Code = "DRIVER_ID_REQUIRED"
	CodeDriverNameEmpty    Code = "DRIVER_NAME_EMPTY"
	CodeDriverNameTooLong  Code = "DRIVER_NAME_TOO_LONG"
	CodeTransponderMissing Code = "TRANSPONDER_MISSING"
	CodeRaceStatusInvalid  Code = "RACE_STATUS_INVALID"
	CodeRaceFlagInvalid    Code = "RACE_FLAG_INVALID"
	CodeUnsupportedEvent   Code = "UNSUPPORTED_EVENT"

	// Conflict errors
	CodeRaceAlreadyActive       Code = "RACE_ALREADY_ACTIVE"
	CodeRaceNotActive           Code = "RACE_NOT_ACTIVE"
	CodeRaceInvalidTransition   Code = "RACE_INVALID_TRANSITION"
	CodeSessionHasActiveRace    Code = "SESSION_HAS_ACTIVE_RACE"
	CodeRosterLocked            Code = "ROSTER_LOCKED"
	CodeKartAlreadyAssigned     Code = "KART_ALREADY_ASSIGNED"
	CodeNoKartAvailable         Code = "NO_KART_AVAILABLE"
	CodeRolePermissionRequired  Code = "ROLE_PERMISSION_REQUIRED"
	CodeSessionNotFound         Code = "SESSION_NOT_FOUND"
	CodeDriverNotFound          Code = "DRIVER_NOT_FOUND"
	CodePersistenceFailed       Code = "PERSISTENCE_FAILED"
	CodeRateLimited             Code = "RATE_LIMITED"
	CodeSessionNameAlreadyTaken Code = "SESSION_NAME_ALREADY_TAKEN"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeInvalidPayload,
		CodeSessionIDRequired,
		CodeSessionNameEmpty,
		CodeDriverIDRequired,
		CodeDriverNameEmpty,
		CodeDriverNameTooLong,
		CodeTransponderMissing,
		CodeRaceStatusInvalid,
		CodeRaceFlagInvalid,
		CodeUnsupportedEvent:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow operation
	case CodeRaceAlreadyActive,
		CodeRaceNotActive,
		CodeRaceInvalidTransition,
		CodeSessionHasActiveRace,
		CodeRosterLocked,
		CodeNoKartAvailable:
		return codes.FailedPrecondition

	// AlreadyExists - unique resource constraint
	case CodeKartAlreadyAssigned,
		CodeSessionNameAlreadyTaken:
		return codes.AlreadyExists

	// NotFound - resource doesn't exist
	case CodeSessionNotFound,
		CodeDriverNotFound:
		return codes.NotFound

	case CodeRolePermissionRequired:
		return codes.PermissionDenied

	case CodeRateLimited:
		return codes.ResourceExhausted

	// Unavailable - store write failed, state not applied
	case CodePersistenceFailed:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}
