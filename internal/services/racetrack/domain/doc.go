// Package domain models the racetrack aggregates.
//
// Sessions group one heat of racing, drivers hold kart assignments and lap
// timing for a session, and a race is the timed running instance inside a
// session with a pending → running → ended lifecycle.
//
// Everything here is pure: functions take the current value and a clock and
// return the next value or a domain error. Persistence and fan-out live in the
// engine so these rules stay replayable in tests.
package domain
