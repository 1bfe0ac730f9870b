// Package auth exposes the signed-in user to the sync engine. Session
// management itself lives elsewhere; the cache only needs to know who the
// user is and whether the remote backend may be used.
package auth

import "sync"

// Session reports the current user. ok is false when no user is signed in,
// which also means the remote backend is unavailable.
type Session interface {
	UserID() (id string, ok bool)
}

// Static is a Session with a fixed user. The empty string means signed out.
type Static string

func (s Static) UserID() (string, bool) {
	return string(s), s != ""
}

// Switchable is a Session that can be signed in and out at runtime.
type Switchable struct {
	mu     sync.RWMutex
	userID string
}

func NewSwitchable(userID string) *Switchable {
	return &Switchable{userID: userID}
}

func (s *Switchable) UserID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, s.userID != ""
}

func (s *Switchable) SignIn(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
}

func (s *Switchable) SignOut() {
	s.SignIn("")
}
