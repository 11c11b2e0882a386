package utils

import "sync"

// LockMap hands out one mutex per key so work on distinct keys proceeds in
// parallel while work on the same key is serialized. Entries are reference
// counted and removed once the last holder releases.
type LockMap struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewLockMap() *LockMap {
	return &LockMap{entries: make(map[string]*lockEntry)}
}

// Lock blocks until the key's mutex is held and returns the release func.
func (m *LockMap) Lock(key string) func() {
	m.mu.Lock()
	entry := m.entries[key]
	if entry == nil {
		entry = &lockEntry{}
		m.entries[key] = entry
	}
	entry.refs++
	m.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		m.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(m.entries, key)
		}
		m.mu.Unlock()
	}
}
