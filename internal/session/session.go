// Package session is the identity provider: it signs users in, issues session tokens,
// and tells subscribers when sessions start and end.
package session

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrAuthRequired is returned for any operation attempted without a valid session
	ErrAuthRequired = errors.New("authentication required")
	// ErrInvalidCredentials is returned when sign-in fails
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// Session is an authenticated user context
type Session struct {
	id      string
	ownerID string
	valid   atomic.Bool
}

// New creates a valid session for ownerID
func New(id, ownerID string) *Session {
	s := &Session{id: id, ownerID: ownerID}
	s.valid.Store(ownerID != "")
	return s
}

// ID identifies the session
func (s *Session) ID() string {
	return s.id
}

// OwnerID is the stable identifier of the signed-in user
func (s *Session) OwnerID() string {
	return s.ownerID
}

// Valid reports whether the session is still signed in
func (s *Session) Valid() bool {
	return s != nil && s.valid.Load()
}

// Require returns the owner ID, or ErrAuthRequired if the session is not valid
func (s *Session) Require() (string, error) {
	if !s.Valid() {
		return "", ErrAuthRequired
	}
	return s.ownerID, nil
}

// Invalidate ends the session
func (s *Session) Invalidate() {
	s.valid.Store(false)
}

// User is what the identity provider knows about the signed-in user
type User struct {
	UID string `json:"uid"`
}

// EventKind is the kind of a session transition
type EventKind int

const (
	SignedIn EventKind = iota
	SignedOut
)

func (k EventKind) String() string {
	switch k {
	case SignedIn:
		return "signed_in"
	case SignedOut:
		return "signed_out"
	default:
		return "unknown"
	}
}

// Event is published on every sign-in and sign-out
type Event struct {
	Kind    EventKind
	Session *Session
}
