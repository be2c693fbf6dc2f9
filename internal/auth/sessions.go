package auth

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionCookie is the name of the opaque session token cookie.
const SessionCookie = "gpu_sched_session"

type session struct {
	username string
	issuedAt time.Time
}

// SessionManager issues, renews, and expires opaque session tokens.
// Sessions live in memory only; a restart logs everyone out.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*session
	ttl      time.Duration
	now      func() time.Time
}

// NewSessionManager creates a manager with the given TTL.
func NewSessionManager(ttl time.Duration, now func() time.Time) *SessionManager {
	if now == nil {
		now = time.Now
	}
	return &SessionManager{
		sessions: make(map[string]*session),
		ttl:      ttl,
		now:      now,
	}
}

// Create issues a new token for username.
func (m *SessionManager) Create(username string) string {
	token := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[token] = &session{username: username, issuedAt: m.now()}
	return token
}

// Resolve returns the username for a live token and renews it. Expired or
// unknown tokens return ("", false).
func (m *SessionManager) Resolve(token string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return "", false
	}
	if m.now().Sub(s.issuedAt) > m.ttl {
		delete(m.sessions, token)
		return "", false
	}
	s.issuedAt = m.now()
	return s.username, true
}

// Destroy removes a token.
func (m *SessionManager) Destroy(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
}

// Sweep drops expired sessions and returns how many were removed.
func (m *SessionManager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	cutoff := m.now().Add(-m.ttl)
	for token, s := range m.sessions {
		if s.issuedAt.Before(cutoff) {
			delete(m.sessions, token)
			removed++
		}
	}
	return removed
}

// TokenFromRequest extracts the session token cookie, if present.
func TokenFromRequest(r *http.Request) (string, bool) {
	c, err := r.Cookie(SessionCookie)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}
