package web

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const sessionCookie = "tally_session"

type session struct {
	username  string
	expiresAt time.Time
}

// sessionStore maps opaque cookie values to signed-in users.
type sessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]session
	now      func() time.Time
}

func newSessionStore(ttl time.Duration) *sessionStore {
	return &sessionStore{
		ttl:      ttl,
		sessions: make(map[string]session),
		now:      time.Now,
	}
}

func (s *sessionStore) create(username string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpired()
	id := uuid.NewString()
	s.sessions[id] = session{username: username, expiresAt: s.now().Add(s.ttl)}
	return id
}

// lookup returns the user for a live session.
func (s *sessionStore) lookup(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return "", false
	}
	if s.now().After(sess.expiresAt) {
		delete(s.sessions, id)
		return "", false
	}
	return sess.username, true
}

func (s *sessionStore) delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// evictExpired must be called with mu held.
func (s *sessionStore) evictExpired() {
	now := s.now()
	for id, sess := range s.sessions {
		if now.After(sess.expiresAt) {
			delete(s.sessions, id)
		}
	}
}
