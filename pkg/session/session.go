// Package session issues the opaque bearer tokens Daemon Transport
// hands callers and enforces the "at most one in-flight question per
// session" rule.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT payload backing a session token. It carries no
// user identity — this daemon has no account system — only the
// session id that scopes in-flight-request bookkeeping.
type Claims struct {
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// Manager issues and validates session tokens, and tracks which
// sessions currently have a question in flight.
type Manager struct {
	jwtSecret []byte
	expires   time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewManager builds a Manager. secret must already be non-empty;
// config.Load is responsible for generating one when unset.
func NewManager(secret string, expires time.Duration) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("session: jwt secret must not be empty")
	}
	return &Manager{
		jwtSecret: []byte(secret),
		expires:   expires,
		inflight:  make(map[string]struct{}),
	}, nil
}

// NewSessionID returns a fresh random session identifier suitable for
// embedding in a token's claims.
func NewSessionID() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("session: generate id: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// Issue mints a signed token for sessionID, returning the token and
// its expiry as a Unix timestamp.
func (m *Manager) Issue(sessionID string) (string, int64, error) {
	expiresAt := time.Now().Add(m.expires)
	claims := &Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "advisord",
			Subject:   sessionID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.jwtSecret)
	if err != nil {
		return "", 0, fmt.Errorf("session: sign token: %w", err)
	}
	return signed, expiresAt.Unix(), nil
}

// Validate parses and verifies a session token, returning its claims.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("session: parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("session: invalid token")
	}
	return claims, nil
}

// TryAcquire marks sessionID as having a question in flight, returning
// false if one is already running; the transport layer turns that
// into a 429 busy error.
func (m *Manager) TryAcquire(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[sessionID]; busy {
		return false
	}
	m.inflight[sessionID] = struct{}{}
	return true
}

// Release clears sessionID's in-flight marker once its question has
// been answered or has failed.
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, sessionID)
}

// Busy reports whether sessionID currently has a question in flight.
// The transport's bounded busy-wait polls TryAcquire, not Busy.
func (m *Manager) Busy(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, busy := m.inflight[sessionID]
	return busy
}
