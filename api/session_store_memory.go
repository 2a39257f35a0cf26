package api

import (
	"sync"
	"time"
)

// MemorySessionStore is a thread-safe in-memory SessionStore.
// Sessions are lost on server restart.
type MemorySessionStore struct {
	mu   sync.RWMutex
	data map[string]Session
}

var _ SessionStore = (*MemorySessionStore)(nil)

// NewMemorySessionStore creates an in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{data: make(map[string]Session)}
}

func (s *MemorySessionStore) Get(key string) (Session, bool) {
	s.mu.RLock()
	session, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	if !time.Now().Before(session.ExpiresAt) {
		s.Delete(key)
		return Session{}, false
	}
	return session, true
}

func (s *MemorySessionStore) Put(key string, session Session) {
	s.mu.Lock()
	s.data[key] = session
	s.mu.Unlock()
}

func (s *MemorySessionStore) Delete(key string) {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
}

// sweepExpired drops expired entries.
func (s *MemorySessionStore) sweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	n := 0
	for k, v := range s.data {
		if !now.Before(v.ExpiresAt) {
			delete(s.data, k)
			n++
		}
	}
	return n
}
