// Package presence tracks which live sessions represent which users.
//
// A session must be opened before a user can be attached to it, and a removed
// session cannot be attached again. This keeps a late user_online that races a
// disconnect from leaving an entry behind.
package presence

import (
	"errors"
	"sync"
)

var (
	// ErrEmptyUser is returned by SetOnline when the user id is empty.
	ErrEmptyUser = errors.New("presence: empty user id")
	// ErrSessionClosed is returned by SetOnline for a session that is not open.
	ErrSessionClosed = errors.New("presence: session not open")
)

// Registry maps live sessions to user ids. The zero value is not usable; use
// NewRegistry.
type Registry struct {
	mu sync.RWMutex
	// sessions holds every open session; user is "" until user_online.
	sessions map[string]entry
	// users counts attached sessions per user for multi-device presence.
	users map[string]int
}

type entry struct {
	user string
	// encoded is the user id as the client sent it, when known.
	encoded []byte
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]entry),
		users:    make(map[string]int),
	}
}

// Open marks session as live with no user attached. Opening an already open
// session keeps its current user.
func (r *Registry) Open(session string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session]; !ok {
		r.sessions[session] = entry{}
	}
}

// SetOnline attaches userID to session, replacing any previous user.
func (r *Registry) SetOnline(session, userID string) error {
	return r.SetOnlineEncoded(session, userID, nil)
}

// SetOnlineEncoded is SetOnline that also keeps the user id in the encoding
// the client used, so it can be announced back unchanged.
func (r *Registry) SetOnlineEncoded(session, userID string, encoded []byte) error {
	if userID == "" {
		return ErrEmptyUser
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.sessions[session]
	if !ok {
		return ErrSessionClosed
	}
	if prev.user != userID {
		if prev.user != "" {
			r.release(prev.user)
		}
		r.users[userID]++
	}
	r.sessions[session] = entry{user: userID, encoded: append([]byte(nil), encoded...)}
	return nil
}

// Remove closes session and returns the user that was attached to it. ok is
// false when the session was unknown or had no user.
func (r *Registry) Remove(session string) (userID string, ok bool) {
	userID, _, ok = r.RemoveEncoded(session)
	return userID, ok
}

// RemoveEncoded is Remove that also returns the encoding stored by
// SetOnlineEncoded, nil if there was none.
func (r *Registry) RemoveEncoded(session string) (userID string, encoded []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, open := r.sessions[session]
	if !open {
		return "", nil, false
	}
	delete(r.sessions, session)
	if e.user == "" {
		return "", nil, false
	}
	r.release(e.user)
	return e.user, e.encoded, true
}

// release must be called with mu held.
func (r *Registry) release(userID string) {
	if n := r.users[userID]; n > 1 {
		r.users[userID] = n - 1
		return
	}
	delete(r.users, userID)
}

// Lookup returns the user attached to session.
func (r *Registry) Lookup(session string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e := r.sessions[session]
	return e.user, e.user != ""
}

// IsOpen reports whether session has been opened and not yet removed.
func (r *Registry) IsOpen(session string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.sessions[session]
	return ok
}

// IsOnline reports whether any session currently carries userID.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.users[userID] > 0
}

// Sessions returns the sessions currently attached to userID.
func (r *Registry) Sessions(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.users[userID] == 0 {
		return nil
	}
	out := make([]string, 0, r.users[userID])
	for session, e := range r.sessions {
		if e.user == userID {
			out = append(out, session)
		}
	}
	return out
}

// Len returns the number of sessions that carry a user.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, c := range r.users {
		n += c
	}
	return n
}

// Users returns the number of distinct online users.
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.users)
}
