package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"

	"github.com/louisbranch/racetrack/internal/services/racetrack/broadcast"
	"github.com/louisbranch/racetrack/internal/services/racetrack/engine"
)

const maxValidateKeyBody = 4 * 1024

// DefaultFrameRate is the frames per second a client may send before it is
// disconnected. Lap-line clients are not limited.
const DefaultFrameRate = 40

// handler serves the HTTP and websocket surface over one engine.
type handler struct {
	engine *engine.Engine
	hub    *broadcast.Hub
	logger zerolog.Logger
	// roles is nil when role enforcement is off.
	roles *roleAuthority
	// frameRate <= 0 disables the per-connection frame limit.
	frameRate int
}

// HandlerOption configures a racetrack handler.
type HandlerOption func(*handler)

// WithFrameRate sets the per-connection frame limit; zero disables it.
func WithFrameRate(perSecond int) HandlerOption {
	return func(h *handler) { h.frameRate = perSecond }
}

type validateKeyRequest struct {
	Key string `json:"key"`
}

type validateKeyResponse struct {
	Valid       bool   `json:"valid"`
	RedirectURL string `json:"redirectUrl,omitempty"`
}

type statsResponse struct {
	Accepted  uint64            `json:"accepted"`
	Discarded map[string]uint64 `json:"discarded"`
	Peers     int               `json:"peers"`
}

// NewHandler creates racetrack routes for tests and local runs. Every
// client is treated as an operator and /validate-key is not served.
func NewHandler(e *engine.Engine, hub *broadcast.Hub, logger zerolog.Logger, opts ...HandlerOption) http.Handler {
	return newHandler(&handler{engine: e, hub: hub, logger: logger}, opts...)
}

// NewHandlerWithRoles creates racetrack routes that exchange role keys for a
// signed role cookie and enforce event roles on /ws.
func NewHandlerWithRoles(e *engine.Engine, hub *broadcast.Hub, logger zerolog.Logger, keys RoleKeys, secret string, opts ...HandlerOption) (http.Handler, error) {
	roles, err := newRoleAuthority(keys, secret, nil)
	if err != nil {
		return nil, err
	}
	return newHandler(&handler{engine: e, hub: hub, logger: logger, roles: roles}, opts...), nil
}

func newHandler(h *handler, opts ...HandlerOption) http.Handler {
	h.frameRate = DefaultFrameRate
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/stats", h.stats)
	r.Get("/ws", h.serveWS)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	if h.roles != nil {
		r.Post("/validate-key", h.validateKey)
	}
	return r
}

func (h *handler) serveWS(w http.ResponseWriter, r *http.Request) {
	role := engine.RoleOperator
	if h.roles != nil {
		resolved, err := h.roles.roleFromRequest(r)
		if err != nil {
			h.logger.Info().Err(err).Str("remote", r.RemoteAddr).Msg("ignoring invalid role cookie")
		}
		role = resolved
	}
	websocket.Handler(func(conn *websocket.Conn) {
		h.serveConn(conn, role)
	}).ServeHTTP(w, r)
}

func (h *handler) validateKey(w http.ResponseWriter, r *http.Request) {
	var req validateKeyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxValidateKeyBody)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	st, ok := h.roles.lookup(req.Key)
	if !ok {
		h.logger.Info().Str("remote", r.RemoteAddr).Msg("role key rejected")
		writeJSON(w, validateKeyResponse{Valid: false})
		return
	}
	token, expires, err := h.roles.issue(st.role)
	if err != nil {
		h.logger.Error().Err(err).Msg("issue role token")
		http.Error(w, "could not issue role token", http.StatusInternalServerError)
		return
	}
	secure := r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
	http.SetCookie(w, h.roles.cookie(token, expires, secure))
	h.logger.Info().Str("role", string(st.role)).Str("remote", r.RemoteAddr).Msg("role key accepted")
	writeJSON(w, validateKeyResponse{Valid: true, RedirectURL: st.redirect})
}

// stats reports lap ingestion counters and connected clients.
func (h *handler) stats(w http.ResponseWriter, _ *http.Request) {
	stats := h.engine.Stats()
	resp := statsResponse{
		Accepted:  stats.Accepted,
		Discarded: make(map[string]uint64, len(stats.Discarded)),
		Peers:     h.hub.Len(),
	}
	for reason, n := range stats.Discarded {
		resp.Discarded[string(reason)] = n
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
