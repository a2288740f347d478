package quota

import (
	"sync"
	"time"
)

// Window is one owner's counting interval.
type Window struct {
	Start     time.Time
	Requests  int64
	Bandwidth int64
}

// Store holds windows keyed by owner. Implementations must apply fn
// atomically with respect to other calls for the same key.
type Store interface {
	// Update loads the window for key (zero value if absent), lets fn
	// modify it and persists the result. fn's error is returned as is.
	Update(key string, fn func(w *Window) error) error
	// DeleteIf removes every window for which drop returns true.
	DeleteIf(drop func(key string, w Window) bool) int
	Len() int
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]Window
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]Window)}
}

func (s *MemoryStore) Update(key string, fn func(w *Window) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.windows[key]
	if err := fn(&w); err != nil {
		if !w.Start.IsZero() {
			s.windows[key] = w
		}
		return err
	}
	s.windows[key] = w
	return nil
}

func (s *MemoryStore) DeleteIf(drop func(key string, w Window) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, w := range s.windows {
		if drop(key, w) {
			delete(s.windows, key)
			n++
		}
	}
	return n
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
