package dashboard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zombor/receipt-scanner/internal/session"
)

// Factory builds the controller for a newly seen session
type Factory func(sess *session.Session) *Controller

// pruneInterval bounds how long a controller outlives its session when the
// sign-out event never arrives
const pruneInterval = time.Minute

// Registry keeps one Controller per live session
type Registry struct {
	mu          sync.Mutex
	controllers map[string]*entry
	factory     Factory
}

type entry struct {
	session    *session.Session
	controller *Controller
}

// NewRegistry creates an empty Registry
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		controllers: make(map[string]*entry),
		factory:     factory,
	}
}

// For returns the controller of sess, creating it on first use
func (r *Registry) For(sess *session.Session) (*Controller, error) {
	if _, err := sess.Require(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	e, ok := r.controllers[sess.ID()]
	if !ok {
		e = &entry{session: sess, controller: r.factory(sess)}
		r.controllers[sess.ID()] = e
	}
	// A sign-out may have been handled between the check above and the insert
	if !sess.Valid() {
		delete(r.controllers, sess.ID())
		r.mu.Unlock()
		e.controller.Close()
		return nil, session.ErrAuthRequired
	}
	r.mu.Unlock()
	return e.controller, nil
}

// Remove closes and forgets the controller of a session
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	e, ok := r.controllers[sessionID]
	delete(r.controllers, sessionID)
	r.mu.Unlock()

	if ok {
		e.controller.Close()
	}
}

// Prune closes the controllers of sessions that have ended and returns how many
// were removed
func (r *Registry) Prune() int {
	r.mu.Lock()
	stale := make([]*entry, 0)
	for id, e := range r.controllers {
		if !e.session.Valid() {
			stale = append(stale, e)
			delete(r.controllers, id)
		}
	}
	r.mu.Unlock()

	for _, e := range stale {
		e.controller.Close()
	}
	return len(stale)
}

// Len returns the number of live controllers
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}

// Run removes controllers as their sessions sign out. Sign-out events can be dropped,
// so ended sessions are also pruned after every event and on a timer. It returns when
// ctx is done or events is closed.
func (r *Registry) Run(ctx context.Context, events <-chan session.Event) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Prune(); n > 0 {
				slog.Debug("Pruned dashboards of ended sessions", "count", n)
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == session.SignedOut && ev.Session != nil {
				slog.Debug("Closing dashboard", "session", ev.Session.ID(), "owner", ev.Session.OwnerID())
				r.Remove(ev.Session.ID())
			}
			r.Prune()
		}
	}
}
