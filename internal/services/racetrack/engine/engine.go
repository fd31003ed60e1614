// Package engine coordinates race sessions, rosters, race lifecycles and lap
// attribution, and publishes every committed change to connected clients.
//
// Every event that touches a session runs under that session's lock through
// validation, persistence, in-memory commit and publish, so clients observe
// per-session changes in commit order. The session catalog has its own lock,
// always taken after a session lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/racetrack/internal/platform/errors"
	platformotel "github.com/louisbranch/racetrack/internal/platform/otel"
	"github.com/louisbranch/racetrack/internal/services/racetrack/broadcast"
	"github.com/louisbranch/racetrack/internal/services/racetrack/domain"
	"github.com/louisbranch/racetrack/internal/services/racetrack/journal"
	"github.com/louisbranch/racetrack/internal/services/racetrack/storage"
)

// Defaults used when Config leaves a field unset.
const (
	DefaultRaceDuration = 10 * time.Minute
	DefaultCountdown    = 10 * time.Second
	DefaultMinLapTime   = 2 * time.Second
	DefaultMaxClockSkew = time.Second
	DefaultTickInterval = 250 * time.Millisecond
	DefaultKartCount    = 8
)

// Config holds the race rules fixed at startup.
type Config struct {
	// RaceDuration is captured by each race when it is created.
	RaceDuration time.Duration
	Countdown    time.Duration
	// MinLapTime rejects crossings closer than this to the driver's previous one.
	MinLapTime time.Duration
	// MaxClockSkew is how far past the server clock a sensor timestamp may be.
	MaxClockSkew time.Duration
	TickInterval time.Duration
	// KartCount is the fleet size used to auto-assign karts.
	KartCount int
}

func (c Config) withDefaults() Config {
	if c.RaceDuration <= 0 {
		c.RaceDuration = DefaultRaceDuration
	}
	if c.Countdown < 0 {
		c.Countdown = 0
	}
	if c.MinLapTime <= 0 {
		c.MinLapTime = DefaultMinLapTime
	}
	if c.MaxClockSkew <= 0 {
		c.MaxClockSkew = DefaultMaxClockSkew
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.KartCount <= 0 {
		c.KartCount = DefaultKartCount
	}
	return c
}

// Journal records crossings for diagnostics and replay.
type Journal interface {
	Append(entry journal.Entry) (journal.Entry, error)
	List(sessionID string) ([]journal.Entry, error)
	DropSession(sessionID string) error
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator replaces the identifier source.
func WithIDGenerator(newID func() (string, error)) Option {
	return func(e *Engine) {
		if newID != nil {
			e.newID = newID
		}
	}
}

// WithJournal records every crossing outcome.
func WithJournal(j Journal) Option {
	return func(e *Engine) {
		e.journal = j
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithTracer sets the tracer used for per-event spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// activeRace is a pending or running race with the roster laps are
// attributed against.
type activeRace struct {
	race    domain.Race
	drivers []domain.Driver
}

// Engine owns the in-memory view of active races.
type Engine struct {
	cfg     Config
	store   storage.Store
	hub     *broadcast.Hub
	journal Journal
	now     func() time.Time
	newID   func() (string, error)
	logger  zerolog.Logger
	tracer  trace.Tracer

	locks     *sessionLocks
	catalogMu sync.Mutex

	activeMu sync.RWMutex
	active   map[string]*activeRace

	routes  map[string]route
	schemas map[string]*jsonschema.Schema

	accepted  atomic.Uint64
	discarded map[domain.DiscardReason]*atomic.Uint64
}

// New builds an engine over store and hub. Call Recover before serving
// clients so races interrupted by a restart resume.
func New(cfg Config, store storage.Store, hub *broadcast.Hub, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if hub == nil {
		return nil, errors.New("hub is required")
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:       cfg.withDefaults(),
		store:     store,
		hub:       hub,
		now:       time.Now,
		newID:     domain.NewID,
		logger:    zerolog.Nop(),
		tracer:    platformotel.Tracer("racetrack/engine"),
		locks:     newSessionLocks(),
		active:    make(map[string]*activeRace),
		schemas:   schemas,
		discarded: make(map[domain.DiscardReason]*atomic.Uint64, len(domain.DiscardReasons)),
	}
	for _, reason := range domain.DiscardReasons {
		e.discarded[reason] = &atomic.Uint64{}
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "engine").Logger()
	e.routes = e.buildRoutes()
	return e, nil
}

// Config returns the effective race rules.
func (e *Engine) Config() Config {
	return e.cfg
}

// Recover loads pending and running races from storage and applies any
// countdown or expiry that fell due while the process was down.
func (e *Engine) Recover(ctx context.Context) error {
	races, err := e.store.ListActiveRaces(ctx)
	if err != nil {
		return fmt.Errorf("load active races: %w", err)
	}
	for _, race := range races {
		drivers, err := e.store.ListDrivers(ctx, race.SessionID)
		if err != nil {
			return fmt.Errorf("load roster for session %s: %w", race.SessionID, err)
		}
		e.setActive(race.SessionID, &activeRace{race: race, drivers: drivers})
		e.logger.Info().Str("session_id", race.SessionID).Str("race_id", race.ID).Str("status", string(race.Status)).Msg("recovered race")
	}
	for _, sessionID := range e.activeSessionIDs() {
		unlock := e.locks.lock(sessionID)
		err := e.advanceLocked(ctx, sessionID)
		unlock()
		if err != nil {
			return fmt.Errorf("advance recovered race %s: %w", sessionID, err)
		}
	}
	return nil
}

// Run drives countdowns, expiry and timer pushes until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick re-evaluates every active race once: countdowns that ended start,
// races past their duration end, and the rest push a timer update.
func (e *Engine) Tick(ctx context.Context) {
	for _, sessionID := range e.activeSessionIDs() {
		unlock := e.locks.lock(sessionID)
		if err := e.advanceLocked(ctx, sessionID); err != nil {
			e.logger.Error().Err(err).Str("session_id", sessionID).Msg("advance race")
		}
		if ar := e.activeRace(sessionID); ar != nil {
			e.publish(sessionID, FrameRaceTimer, raceTimer(ar.race, e.now()))
		}
		unlock()
	}
}

// Stats are lap ingestion counters since start.
type Stats struct {
	Accepted  uint64
	Discarded map[domain.DiscardReason]uint64
}

// Stats returns a snapshot of the lap ingestion counters.
func (e *Engine) Stats() Stats {
	stats := Stats{
		Accepted:  e.accepted.Load(),
		Discarded: make(map[domain.DiscardReason]uint64, len(e.discarded)),
	}
	for reason, counter := range e.discarded {
		stats.Discarded[reason] = counter.Load()
	}
	return stats
}

// ActiveRace returns the pending or running race of a session.
func (e *Engine) ActiveRace(sessionID string) (domain.Race, bool) {
	ar := e.activeRace(sessionID)
	if ar == nil {
		return domain.Race{}, false
	}
	return ar.race, true
}

// Connect pushes the current snapshot to a newly registered peer: the
// session list, then status and roster of every active race.
func (e *Engine) Connect(ctx context.Context, peer *broadcast.Peer) error {
	e.catalogMu.Lock()
	sessions, err := e.store.ListSessions(ctx)
	if err == nil {
		err = sendFrame(peer, "", FrameSessionList, SessionListPayload{Sessions: sessionViews(sessions)})
	}
	e.catalogMu.Unlock()
	if err != nil {
		return fmt.Errorf("send session list: %w", err)
	}

	for _, sessionID := range e.activeSessionIDs() {
		unlock := e.locks.lock(sessionID)
		err := e.sendRaceSnapshotLocked(ctx, peer, sessionID)
		unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) sendRaceSnapshotLocked(ctx context.Context, peer *broadcast.Peer, sessionID string) error {
	ar := e.activeRace(sessionID)
	if ar == nil {
		return nil
	}
	if err := sendFrame(peer, "", FrameRaceStatus, RaceStatusPayload{SessionID: sessionID, Race: raceView(ar.race, e.now())}); err != nil {
		return fmt.Errorf("send race status: %w", err)
	}
	drivers, err := e.store.ListDrivers(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load drivers: %w", err)
	}
	if err := sendFrame(peer, "", FrameDriverList, DriverListPayload{SessionID: sessionID, Drivers: driverViews(drivers)}); err != nil {
		return fmt.Errorf("send driver list: %w", err)
	}
	return nil
}

func (e *Engine) activeRace(sessionID string) *activeRace {
	e.activeMu.RLock()
	defer e.activeMu.RUnlock()
	return e.active[sessionID]
}

func (e *Engine) setActive(sessionID string, ar *activeRace) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if ar == nil {
		delete(e.active, sessionID)
		return
	}
	e.active[sessionID] = ar
}

func (e *Engine) activeSessionIDs() []string {
	e.activeMu.RLock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.activeMu.RUnlock()
	sort.Strings(ids)
	return ids
}

// advanceLocked applies time-driven transitions for one session. Callers
// hold the session lock.
func (e *Engine) advanceLocked(ctx context.Context, sessionID string) error {
	ar := e.activeRace(sessionID)
	if ar == nil {
		return nil
	}
	next, changed := domain.Advance(ar.race, e.now())
	if !changed {
		return nil
	}
	return e.commitRaceLocked(ctx, ar, next)
}

// commitRaceLocked persists a race change, updates the active map and
// publishes it. The session list is republished when the session status
// implied by the race changed.
func (e *Engine) commitRaceLocked(ctx context.Context, ar *activeRace, next domain.Race) error {
	if err := e.store.SaveRace(ctx, next); err != nil {
		return persistenceError("save race", err)
	}
	previous := ar.race
	if next.Active() {
		e.setActive(next.SessionID, &activeRace{race: next, drivers: ar.drivers})
	} else {
		e.setActive(next.SessionID, nil)
	}
	e.logger.Info().
		Str("session_id", next.SessionID).
		Str("race_id", next.ID).
		Str("status", string(next.Status)).
		Str("flag", string(next.Flag)).
		Str("end_reason", string(next.EndReason)).
		Msg("race updated")

	e.publish(next.SessionID, FrameRaceStatus, RaceStatusPayload{SessionID: next.SessionID, Race: raceView(next, e.now())})
	if domain.SessionStatusFor(previous) != domain.SessionStatusFor(next) {
		e.publishSessionList(ctx)
	}
	return nil
}

// publish queues a session-scoped frame for interested peers.
func (e *Engine) publish(sessionID, frameType string, payload any) {
	frame, err := broadcast.NewFrame(frameType, payload)
	if err != nil {
		e.logger.Error().Err(err).Str("frame", frameType).Msg("encode frame")
		return
	}
	e.hub.Publish(sessionID, frame)
}

// publishSessionList broadcasts the catalog to every peer.
func (e *Engine) publishSessionList(ctx context.Context) {
	e.catalogMu.Lock()
	defer e.catalogMu.Unlock()
	e.publishSessionListLocked(ctx)
}

func (e *Engine) publishSessionListLocked(ctx context.Context) {
	sessions, err := e.store.ListSessions(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("list sessions for broadcast")
		return
	}
	frame, err := broadcast.NewFrame(FrameSessionList, SessionListPayload{Sessions: sessionViews(sessions)})
	if err != nil {
		e.logger.Error().Err(err).Msg("encode session list")
		return
	}
	e.hub.Broadcast(frame)
}

// publishDriverList pushes the persisted roster of a session.
func (e *Engine) publishDriverList(ctx context.Context, sessionID string) {
	drivers, err := e.store.ListDrivers(ctx, sessionID)
	if err != nil {
		e.logger.Error().Err(err).Str("session_id", sessionID).Msg("list drivers for broadcast")
		return
	}
	e.publish(sessionID, FrameDriverList, DriverListPayload{SessionID: sessionID, Drivers: driverViews(drivers)})
}

func sendFrame(peer *broadcast.Peer, requestID, frameType string, payload any) error {
	if peer == nil {
		return nil
	}
	frame, err := broadcast.NewFrame(frameType, payload)
	if err != nil {
		return err
	}
	frame.RequestID = requestID
	peer.Send(frame)
	return nil
}

func persistenceError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.CodePersistenceFailed, "request canceled before it was stored", err)
	}
	return apperrors.Wrap(apperrors.CodePersistenceFailed, "storage unavailable: "+op, err)
}
