// Package keylock provides FIFO mutual exclusion per string key.
package keylock

import (
	"context"
	"sync"
)

// Locker grants one holder per key at a time, in arrival order. A key's
// entry is dropped as soon as nobody holds or waits for it.
type Locker struct {
	mu     sync.Mutex
	queues map[string]*queue
}

type queue struct {
	waiters []chan struct{}
}

// New returns an empty Locker.
func New() *Locker {
	return &Locker{queues: make(map[string]*queue)}
}

// Lock blocks until the caller holds key or ctx is done. The returned
// function releases the key; calling it more than once is harmless.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	q, held := l.queues[key]
	if !held {
		l.queues[key] = &queue{}
		l.mu.Unlock()
		return l.releaser(key), nil
	}
	ticket := make(chan struct{})
	q.waiters = append(q.waiters, ticket)
	l.mu.Unlock()

	select {
	case <-ticket:
		return l.releaser(key), nil
	case <-ctx.Done():
		l.mu.Lock()
		removed := q.remove(ticket)
		l.mu.Unlock()
		if !removed {
			// handed over between ctx firing and re-acquiring mu
			l.release(key)
		}
		return nil, ctx.Err()
	}
}

// TryLock takes key only if nobody holds it.
func (l *Locker) TryLock(key string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.queues[key]; held {
		return nil, false
	}
	l.queues[key] = &queue{}
	return l.releaser(key), true
}

// Busy reports whether key is currently held.
func (l *Locker) Busy(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.queues[key]
	return ok
}

// Len returns the number of keys held.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues)
}

func (l *Locker) releaser(key string) func() {
	var once sync.Once
	return func() { once.Do(func() { l.release(key) }) }
}

func (l *Locker) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.queues[key]
	if !ok {
		return
	}
	if len(q.waiters) == 0 {
		delete(l.queues, key)
		return
	}
	next := q.waiters[0]
	q.waiters[0] = nil
	q.waiters = q.waiters[1:]
	close(next)
}

func (q *queue) remove(ticket chan struct{}) bool {
	for i, w := range q.waiters {
		if w == ticket {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}
