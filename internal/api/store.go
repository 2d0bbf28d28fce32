package api

import (
	"sync"
)

// DefaultSessionLimit bounds how many sessions a store keeps.
const DefaultSessionLimit = 256

// SessionStore keeps the most recent tune sessions in memory. The oldest
// session is evicted once the limit is reached.
type SessionStore struct {
	mu       sync.Mutex
	limit    int
	order    []string
	sessions map[string]*Session
}

func NewSessionStore(limit int) *SessionStore {
	if limit <= 0 {
		limit = DefaultSessionLimit
	}
	return &SessionStore{
		limit:    limit,
		sessions: make(map[string]*Session),
	}
}

func (s *SessionStore) Put(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		s.order = append(s.order, sess.ID)
	}
	s.sessions[sess.ID] = sess
	for len(s.order) > s.limit {
		delete(s.sessions, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *SessionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// List returns sessions newest first.
func (s *SessionStore) List() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, s.sessions[s.order[i]])
	}
	return out
}
