package session

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/xid"

	"github.com/fieldlink/safetransfer/pkg/xerrors"
)

// State is the lifecycle stage of an established session.
type State int

const (
	StateConnecting State = iota
	StateActive
	StateIdleClosed
)

// IdleTimeout is the period of inactivity after which SweepIdle marks a
// session StateIdleClosed and removes it from the session table. SweepIdle
// does not close the session's substrate connection and does not change the
// state of the session's transfers.
const IdleTimeout = 60 * time.Second

// Session is one established client connection. Grounded on
// thelastdreamer-MultiWANBond/pkg/server/session_manager.go's ClientSession
// bookkeeping (per-session mutex, LastSeen tracking, StartTime), narrowed to
// the fields this layer's handshake and idle-timeout logic actually need.
type Session struct {
	mu sync.RWMutex

	ID           string
	ClientID     string
	Capabilities Capabilities
	State        State
	StartTime    time.Time
	LastSeen     time.Time
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastSeen = now
}

// Idle reports whether the session has been silent longer than d as of now.
func (s *Session) Idle(now time.Time, d time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.LastSeen) > d
}

// Snapshot returns a point-in-time copy safe to read without holding s's lock.
func (s *Session) Snapshot() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Session{
		ID:           s.ID,
		ClientID:     s.ClientID,
		Capabilities: s.Capabilities,
		State:        s.State,
		StartTime:    s.StartTime,
		LastSeen:     s.LastSeen,
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = st
}

// TokenClaims is the registered-claims shape expected of an auth_token, when
// the server is configured to require one.
type TokenClaims struct {
	jwt.RegisteredClaims
}

// Manager owns the session table and performs the three-way handshake
// described in §4.7. Grounded on session_manager.go's SessionManager, with
// NAT-pool allocation dropped (this layer has nothing analogous to allocate)
// and idle cleanup kept as the same ticker-driven sweep idiom.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	maxConcurrentTransfers int
	maxFileSize            int64
	features               []string

	signingKey []byte // nil disables auth_token verification
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithTokenVerification requires every Connect to carry an auth_token
// verifiable with key; omitting this option leaves auth_token unchecked.
func WithTokenVerification(key []byte) Option {
	return func(m *Manager) { m.signingKey = key }
}

// WithServerCapabilities overrides the capabilities advertised in
// ConnectionAccepted.
func WithServerCapabilities(maxFileSize int64, maxConcurrentTransfers int, features []string) Option {
	return func(m *Manager) {
		m.maxFileSize = maxFileSize
		m.maxConcurrentTransfers = maxConcurrentTransfers
		m.features = features
	}
}

// NewManager constructs a session table with sane defaults.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions:               make(map[string]*Session),
		maxConcurrentTransfers: 4,
		maxFileSize:            1 << 40,
		features:               []string{"resume", "compression", "fec", "multipath"},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleConnect processes a client's Connect message, returning either a
// ConnectionAccepted (with the new, not-yet-active Session) or a
// ConnectionRejected.
func (m *Manager) HandleConnect(req Connect, now time.Time) (ConnectionAccepted, ConnectionRejected, *Session, bool) {
	if m.signingKey != nil {
		if err := m.verifyToken(req.AuthToken, req.ClientID); err != nil {
			return ConnectionAccepted{}, ConnectionRejected{
				Type:   TypeConnectionRejected,
				Reason: err.Error(),
			}, nil, false
		}
	}

	sess := &Session{
		ID:           xid.New().String(),
		ClientID:     req.ClientID,
		Capabilities: req.Capabilities,
		State:        StateConnecting,
		StartTime:    now,
		LastSeen:     now,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	return ConnectionAccepted{
		Type:      TypeConnectionAccepted,
		SessionID: sess.ID,
		ServerCapabilities: ServerCapabilities{
			MaxFileSize:            m.maxFileSize,
			MaxConcurrentTransfers: m.maxConcurrentTransfers,
			Features:               m.features,
		},
	}, ConnectionRejected{}, sess, true
}

func (m *Manager) verifyToken(tokenStr, clientID string) error {
	if tokenStr == "" {
		return xerrors.New(xerrors.TagAuthFailed, "auth_token required")
	}

	var claims TokenClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		return m.signingKey, nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.TagAuthFailed, err, "verify auth_token")
	}
	if claims.Subject != "" && claims.Subject != clientID {
		return xerrors.New(xerrors.TagAuthFailed, "auth_token subject does not match client_id")
	}
	return nil
}

// HandleConnectionEstablished activates a session that was previously
// accepted, completing the three-way handshake.
func (m *Manager) HandleConnectionEstablished(msg ConnectionEstablished) (*Session, error) {
	sess, err := m.Get(msg.SessionID)
	if err != nil {
		return nil, err
	}
	sess.setState(StateActive)
	return sess, nil
}

// Get looks up a session by ID, rejecting ones not in the table.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, xerrors.New(xerrors.TagAuthFailed, "unknown session")
	}
	return sess, nil
}

// Touch records activity on id, resetting its idle clock. Callers invoke
// this on every inbound message for the session.
func (m *Manager) Touch(id string, now time.Time) {
	sess, err := m.Get(id)
	if err != nil {
		return
	}
	sess.touch(now)
}

// Remove drops a session from the table (e.g. once its substrate connection
// closes).
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// SweepIdle closes out sessions that have been silent longer than
// IdleTimeout, returning their IDs so the caller can tear down the
// corresponding substrate connections and pause their transfers.
func (m *Manager) SweepIdle(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var idle []string
	for id, sess := range m.sessions {
		if sess.Idle(now, IdleTimeout) {
			sess.setState(StateIdleClosed)
			idle = append(idle, id)
			delete(m.sessions, id)
		}
	}
	return idle
}

// Count returns the number of sessions currently tracked.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
