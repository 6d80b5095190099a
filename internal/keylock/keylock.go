// Package keylock serializes work per entity key without a global lock.
//
// Each key gets its own mutex, created on first use and garbage collected by
// reference count once nobody holds or waits for it. Work on different keys
// never blocks each other.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map is a set of per-key mutexes. The zero value is ready to use.
type Map[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*entry
}

func (m *Map[K]) acquire(key K) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locks == nil {
		m.locks = make(map[K]*entry)
	}
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *Map[K]) release(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(m.locks, key)
	}
}

// Lock blocks until the caller owns key and returns the matching unlock.
func (m *Map[K]) Lock(key K) (unlock func()) {
	e := m.acquire(key)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.release(key)
	}
}

// With runs fn while holding key.
func (m *Map[K]) With(key K, fn func()) {
	unlock := m.Lock(key)
	defer unlock()
	fn()
}

// Len returns the number of keys currently held or awaited.
func (m *Map[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
