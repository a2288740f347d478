package intent

import (
	"errors"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

var (
	// ErrNotFound is returned for unknown or evicted intents.
	ErrNotFound = errors.New("intent not found")
	// ErrExists is returned when an intent id is reused.
	ErrExists = errors.New("intent already exists")
)

// Store holds issued intents until they expire.
type Store interface {
	Create(in Intent, ttl time.Duration) error
	Get(id string) (Intent, bool)
	Update(id string, fn func(in *Intent) error) (Intent, error)
	Delete(id string)
	Sweep()
	Len() int
}

// ReceiptStore caches commit responses by idempotency key.
type ReceiptStore interface {
	Get(key string) (Receipt, bool)
	Put(key string, r Receipt)
	Sweep()
}

// CacheStore is a Store backed by an expiring in-process cache.
type CacheStore struct {
	mu sync.Mutex
	c  *cache.Cache
}

// NewCacheStore builds a CacheStore. cleanup is the background eviction
// interval; zero disables the janitor.
func NewCacheStore(cleanup time.Duration) *CacheStore {
	return &CacheStore{c: cache.New(cache.NoExpiration, cleanup)}
}

func (s *CacheStore) Create(in Intent, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.c.Add(in.ID, in, ttl); err != nil {
		return ErrExists
	}
	return nil
}

func (s *CacheStore) Get(id string) (Intent, bool) {
	v, ok := s.c.Get(id)
	if !ok {
		return Intent{}, false
	}
	return v.(Intent), true
}

// Update applies fn to a copy of the intent and stores the result with
// the intent's remaining lifetime. The stored value is untouched if fn
// fails.
func (s *CacheStore) Update(id string, fn func(in *Intent) error) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, exp, ok := s.c.GetWithExpiration(id)
	if !ok {
		return Intent{}, ErrNotFound
	}
	in := v.(Intent)
	if err := fn(&in); err != nil {
		return Intent{}, err
	}

	ttl := cache.NoExpiration
	if !exp.IsZero() {
		ttl = time.Until(exp)
		if ttl <= 0 {
			s.c.Delete(id)
			return Intent{}, ErrNotFound
		}
	}
	s.c.Set(id, in, ttl)
	return in, nil
}

func (s *CacheStore) Delete(id string) { s.c.Delete(id) }

// Sweep evicts expired entries.
func (s *CacheStore) Sweep() { s.c.DeleteExpired() }

func (s *CacheStore) Len() int { return s.c.ItemCount() }

// ReceiptCache is a ReceiptStore whose entries live for a fixed TTL.
type ReceiptCache struct {
	c *cache.Cache
}

// NewReceiptCache builds a ReceiptCache. A non-positive ttl keeps receipts
// until the process exits.
func NewReceiptCache(ttl, cleanup time.Duration) *ReceiptCache {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &ReceiptCache{c: cache.New(ttl, cleanup)}
}

func (r *ReceiptCache) Get(key string) (Receipt, bool) {
	v, ok := r.c.Get(key)
	if !ok {
		return Receipt{}, false
	}
	return v.(Receipt), true
}

func (r *ReceiptCache) Put(key string, rec Receipt) {
	r.c.Set(key, rec, cache.DefaultExpiration)
}

func (r *ReceiptCache) Sweep() { r.c.DeleteExpired() }
