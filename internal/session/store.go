package session

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned by a Store for unknown ids.
	ErrNotFound = errors.New("session not found")
	// ErrExists is returned by Store.Create for a duplicate id.
	ErrExists = errors.New("session already exists")
)

// Store persists sessions by id. Values are copied in and out.
type Store interface {
	Create(s Session) error
	Get(id string) (Session, bool)
	// Update applies fn to the stored session atomically. If fn fails the
	// stored value is left untouched.
	Update(id string, fn func(s *Session) error) (Session, error)
	Delete(id string) (Session, bool)
	// Expired lists sessions whose expiry is at or before now.
	Expired(now time.Time) []Session
	Len() int
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Create(s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrExists
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) Get(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *MemoryStore) Update(id string, fn func(s *Session) error) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if err := fn(&s); err != nil {
		return Session{}, err
	}
	m.sessions[id] = s
	return s, nil
}

func (m *MemoryStore) Delete(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	return s, ok
}

func (m *MemoryStore) Expired(now time.Time) []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, s := range m.sessions {
		if s.expired(now) {
			out = append(out, s)
		}
	}
	return out
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
