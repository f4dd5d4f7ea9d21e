// Package concurrency provides the per-repository locking primitives
// spec.md §5 requires: a commit lock keyed by (namespace, repository),
// and a working-schema-busy lock for the same key. Both are the same
// nested map+mutex registry idiom the teacher uses in
// pkg/resource/manager.go for per-datasource registration, applied here
// to per-repository locks instead of datasource handles.
package concurrency

import (
	"sync"

	"github.com/tablevc/tablevc/domain"
)

// LockMap hands out one *sync.Mutex per key, creating it on first use and
// keeping it around for the life of the process (locks are cheap and
// repositories are long-lived, so there is no eviction).
type LockMap struct {
	mu    sync.Mutex
	locks map[domain.RepoKey]*sync.Mutex
}

// NewLockMap returns an empty registry.
func NewLockMap() *LockMap {
	return &LockMap{locks: make(map[domain.RepoKey]*sync.Mutex)}
}

// For returns the mutex for a repository key, creating it if necessary.
func (m *LockMap) For(key domain.RepoKey) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

// BusyMap tracks whether a repository's working schema currently has a
// session holding it, distinct from LockMap's transient commit-serialization
// locks: a busy repository stays busy across many operations until
// explicitly released, so it cannot be modeled as a mutex held for a
// single critical section.
type BusyMap struct {
	mu   sync.Mutex
	busy map[domain.RepoKey]bool
}

// NewBusyMap returns an empty tracker.
func NewBusyMap() *BusyMap {
	return &BusyMap{busy: make(map[domain.RepoKey]bool)}
}

// Acquire marks a repository's working schema busy. It reports false if
// another session already holds it.
func (b *BusyMap) Acquire(key domain.RepoKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.busy[key] {
		return false
	}
	b.busy[key] = true
	return true
}

// Release marks a repository's working schema free.
func (b *BusyMap) Release(key domain.RepoKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.busy, key)
}
