package session

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// subscriberBuffer bounds how far a slow subscriber may lag before events are dropped
const subscriberBuffer = 16

// Claims are the JWT claims of a session token
type Claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

type entry struct {
	session   *Session
	expiresAt time.Time
}

// Manager signs users in against a fixed set of bcrypt password hashes and tracks
// the resulting sessions.
type Manager struct {
	secret []byte
	ttl    time.Duration
	users  map[string][]byte

	mu          sync.Mutex
	sessions    map[string]*entry
	subscribers map[int]chan Event
	nextSub     int

	now func() time.Time
}

// NewManager creates a Manager. users maps usernames to bcrypt hashes.
func NewManager(secret string, ttl time.Duration, users map[string]string) (*Manager, error) {
	if secret == "" {
		return nil, fmt.Errorf("session secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	hashes := make(map[string][]byte, len(users))
	for name, hash := range users {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("user %q: invalid bcrypt hash: %w", name, err)
		}
		hashes[name] = []byte(hash)
	}

	return &Manager{
		secret:      []byte(secret),
		ttl:         ttl,
		users:       hashes,
		sessions:    make(map[string]*entry),
		subscribers: make(map[int]chan Event),
		now:         time.Now,
	}, nil
}

// ParseUsers parses "name:bcrypthash" pairs separated by commas
func ParseUsers(list string) (map[string]string, error) {
	users := make(map[string]string)
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, hash, ok := strings.Cut(entry, ":")
		if !ok || name == "" || hash == "" {
			return nil, fmt.Errorf("invalid user entry %q, want name:bcrypthash", entry)
		}
		users[name] = hash
	}
	return users, nil
}

// SignIn verifies the password and starts a session, returning its token
func (m *Manager) SignIn(username, password string) (string, *Session, error) {
	hash, ok := m.users[username]
	if !ok {
		return "", nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	sess := New(uuid.NewString(), username)
	now := m.now()
	claims := &Claims{
		SessionID: sess.ID(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("signing token: %w", err)
	}

	m.mu.Lock()
	m.sessions[sess.ID()] = &entry{session: sess, expiresAt: now.Add(m.ttl)}
	m.mu.Unlock()

	slog.Info("User signed in", "user", username, "session", sess.ID())
	m.publish(Event{Kind: SignedIn, Session: sess})
	return token, sess, nil
}

// Authenticate resolves a token to its live session
func (m *Manager) Authenticate(token string) (*Session, error) {
	if token == "" {
		return nil, ErrAuthRequired
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}

	m.mu.Lock()
	e, ok := m.sessions[claims.SessionID]
	m.mu.Unlock()
	if !ok || !e.session.Valid() || e.session.OwnerID() != claims.Subject {
		return nil, ErrAuthRequired
	}
	return e.session, nil
}

// CurrentUser returns the user of the token's session, if any
func (m *Manager) CurrentUser(token string) (User, bool) {
	sess, err := m.Authenticate(token)
	if err != nil {
		return User{}, false
	}
	return User{UID: sess.OwnerID()}, true
}

// SignOut ends the token's session
func (m *Manager) SignOut(token string) error {
	sess, err := m.Authenticate(token)
	if err != nil {
		return err
	}
	m.end(sess)
	return nil
}

// Sweep ends every session whose token has expired so subscribers can release
// per-session state. It returns the number of sessions ended.
func (m *Manager) Sweep() int {
	now := m.now()

	m.mu.Lock()
	expired := make([]*Session, 0)
	for _, e := range m.sessions {
		if !now.Before(e.expiresAt) {
			expired = append(expired, e.session)
		}
	}
	m.mu.Unlock()

	for _, sess := range expired {
		m.end(sess)
	}
	return len(expired)
}

func (m *Manager) end(sess *Session) {
	m.mu.Lock()
	_, live := m.sessions[sess.ID()]
	delete(m.sessions, sess.ID())
	m.mu.Unlock()
	if !live {
		return
	}

	sess.Invalidate()
	slog.Info("User signed out", "user", sess.OwnerID(), "session", sess.ID())
	m.publish(Event{Kind: SignedOut, Session: sess})
}

// Subscribe returns a channel of sign-in/sign-out events and a function that ends the
// subscription. Events are dropped for a subscriber whose buffer is full.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan Event, subscriberBuffer)
	m.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) publish(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
			slog.Warn("Dropping session event for slow subscriber", "subscriber", id, "event", ev.Kind)
		}
	}
}
