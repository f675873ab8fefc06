package relay

import (
	"errors"
	"sync"
)

// ErrSessionClosed is returned when writing to a session
// that has been closed or replaced.
var ErrSessionClosed = errors.New("session closed")

// Conn is the write side of a live connection.
type Conn interface {
	WriteFrame(f Frame) error
	Close() error
}

// Session is one authenticated live connection. Writes are
// serialized per session so that callers never hold the
// session table lock while sending.
type Session struct { // A
	publicKey string
	conn      Conn

	mu     sync.Mutex
	closed bool
}

// PublicKey returns the identity bound to the session.
func (s *Session) PublicKey() string { // A
	return s.publicKey
}

// Send writes one frame.
func (s *Session) Send(f Frame) error { // A
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return s.conn.WriteFrame(f)
}

// Close closes the underlying connection once.
func (s *Session) Close() error { // A
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// SessionManager is the table of authenticated sessions,
// at most one per public key.
type SessionManager struct { // A
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager creates an empty table.
func NewSessionManager() *SessionManager { // A
	return &SessionManager{sessions: make(map[string]*Session)}
}

// Register binds conn to publicKey. A previous session of
// the same key is closed and replaced.
func (m *SessionManager) Register(publicKey string, conn Conn) *Session { // A
	s := &Session{publicKey: publicKey, conn: conn}

	m.mu.Lock()
	prev := m.sessions[publicKey]
	m.sessions[publicKey] = s
	m.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	return s
}

// Unregister removes s if it is still the current session
// of its key and closes it.
func (m *SessionManager) Unregister(s *Session) { // A
	m.mu.Lock()
	if m.sessions[s.publicKey] == s {
		delete(m.sessions, s.publicKey)
	}
	m.mu.Unlock()

	_ = s.Close()
}

// Lookup returns the live session of publicKey.
func (m *SessionManager) Lookup(publicKey string) (*Session, bool) { // A
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[publicKey]
	return s, ok
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int { // A
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll closes every session.
func (m *SessionManager) CloseAll() { // A
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for pk, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, pk)
	}
	m.mu.Unlock()

	for _, s := range all {
		_ = s.Close()
	}
}
