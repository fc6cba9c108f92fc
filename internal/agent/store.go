package agent

import (
	"sync"
	"time"
)

// SessionStore holds live sessions. The state machine never touches shared
// state directly, so the backing store can be the in-process map below or a
// shared store for multi-instance deployments.
type SessionStore interface {
	Get(id string) (*Session, bool)
	Put(session *Session)
	Delete(id string)

	// SweepExpired deletes every session idle longer than maxIdle and
	// returns how many were evicted.
	SweepExpired(maxIdle time.Duration) int
}

// MemorySessionStore is the in-process SessionStore.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*Session)}
}

func (s *MemorySessionStore) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

func (s *MemorySessionStore) Put(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
}

func (s *MemorySessionStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *MemorySessionStore) SweepExpired(maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	evicted := 0
	for id, session := range s.sessions {
		if session.LastTouched.Before(cutoff) {
			delete(s.sessions, id)
			evicted++
		}
	}
	return evicted
}
