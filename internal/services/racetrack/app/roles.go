package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/louisbranch/racetrack/internal/services/racetrack/engine"
)

const (
	roleCookieName = "rt_role"
	roleTokenTTL   = 12 * time.Hour
	roleIssuer     = "racetrack"
)

// RoleKeys are the shared secrets staff enter at each station.
type RoleKeys struct {
	Receptionist string
	Safety       string
	Observer     string
}

// station is the page a role key unlocks.
type station struct {
	role     engine.Role
	redirect string
}

// roleAuthority exchanges role keys for signed role tokens and reads them
// back from requests.
type roleAuthority struct {
	stations map[string]station
	secret   []byte
	now      func() time.Time
}

type roleClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

func newRoleAuthority(keys RoleKeys, secret string, now func() time.Time) (*roleAuthority, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("role token secret is required")
	}
	if now == nil {
		now = time.Now
	}
	a := &roleAuthority{stations: make(map[string]station, 3), secret: []byte(secret), now: now}
	for _, s := range []struct {
		key string
		station
	}{
		{keys.Receptionist, station{role: engine.RoleReceptionist, redirect: "/front-desk"}},
		{keys.Safety, station{role: engine.RoleSafety, redirect: "/race-control"}},
		{keys.Observer, station{role: engine.RoleObserver, redirect: "/lap-line-tracker"}},
	} {
		key := strings.TrimSpace(s.key)
		if key == "" {
			return nil, fmt.Errorf("%s key is required", s.role)
		}
		if _, dup := a.stations[key]; dup {
			return nil, fmt.Errorf("%s key duplicates another role key", s.role)
		}
		a.stations[key] = s.station
	}
	return a, nil
}

// lookup finds the station unlocked by key. Keys are compared in constant
// time.
func (a *roleAuthority) lookup(key string) (station, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return station{}, false
	}
	var found station
	ok := false
	for candidate, s := range a.stations {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			found, ok = s, true
		}
	}
	return found, ok
}

func (a *roleAuthority) issue(role engine.Role) (string, time.Time, error) {
	now := a.now().UTC()
	expires := now.Add(roleTokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, roleClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    roleIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Role: string(role),
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign role token: %w", err)
	}
	return signed, expires, nil
}

// parse validates a role token and returns its role.
func (a *roleAuthority) parse(token string) (engine.Role, error) {
	var claims roleClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(roleIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return engine.RoleNone, fmt.Errorf("parse role token: %w", err)
	}
	switch role := engine.Role(claims.Role); role {
	case engine.RoleReceptionist, engine.RoleSafety, engine.RoleObserver:
		return role, nil
	default:
		return engine.RoleNone, fmt.Errorf("unknown role %q", claims.Role)
	}
}

// roleFromRequest reads the role cookie. Missing or invalid tokens yield
// RoleNone so the client can still watch.
func (a *roleAuthority) roleFromRequest(r *http.Request) (engine.Role, error) {
	cookie, err := r.Cookie(roleCookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		return engine.RoleNone, nil
	}
	return a.parse(cookie.Value)
}

func (a *roleAuthority) cookie(token string, expires time.Time, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     roleCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(roleTokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
