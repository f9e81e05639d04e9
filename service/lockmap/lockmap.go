// Package lockmap provides a keyed mutex: one lock per key, created on
// demand and dropped as soon as no goroutine holds or waits for it.
package lockmap

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{} // buffered(1); full while held
	refs int           // holders plus waiters
}

// LockMap is a set of mutexes addressed by string keys. The zero value is
// not usable; call New.
type LockMap struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty LockMap.
func New() *LockMap {
	return &LockMap{entries: make(map[string]*entry)}
}

func (m *LockMap) acquireRef(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *LockMap) releaseRef(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// Lock blocks until the lock for key is held or ctx is done.
func (m *LockMap) Lock(ctx context.Context, key string) error {
	e := m.acquireRef(key)
	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.releaseRef(key, e)
		return ctx.Err()
	}
}

// TryLock acquires the lock for key without waiting. It reports whether
// the lock was acquired.
func (m *LockMap) TryLock(key string) bool {
	e := m.acquireRef(key)
	select {
	case e.ch <- struct{}{}:
		return true
	default:
		m.releaseRef(key, e)
		return false
	}
}

// Unlock releases the lock for key. Unlocking a key that is not locked
// panics, as with sync.Mutex.
func (m *LockMap) Unlock(key string) {
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		panic("lockmap: unlock of unlocked key " + key)
	}
	select {
	case <-e.ch:
	default:
		panic("lockmap: unlock of unlocked key " + key)
	}
	m.releaseRef(key, e)
}

// Len returns the number of keys currently held or waited on.
func (m *LockMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
