package workflow

import "sync"

// lockTable hands out one mutex per workflow id so mutations on the same
// record serialize while distinct workflows proceed in parallel. Entries are
// reference counted and dropped when the last holder releases, keeping the
// table proportional to in-flight work rather than total workflows.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

func (t *lockTable) acquire(key string) *lockEntry {
	t.mu.Lock()
	entry, ok := t.entries[key]
	if !ok {
		entry = &lockEntry{}
		t.entries[key] = entry
	}
	entry.refs++
	t.mu.Unlock()

	entry.mu.Lock()
	return entry
}

func (t *lockTable) release(key string, entry *lockEntry) {
	entry.mu.Unlock()

	t.mu.Lock()
	entry.refs--
	if entry.refs <= 0 {
		delete(t.entries, key)
	}
	t.mu.Unlock()
}
