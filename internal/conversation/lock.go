package conversation

import (
	"sync"

	"github.com/google/uuid"
)

// KeyedLock serializes in-process work per conversation so concurrent
// webhook deliveries for the same thread persist and route in receipt
// order. Entries are reference counted and removed once idle.
type KeyedLock struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedLock creates an empty lock set.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{locks: make(map[uuid.UUID]*lockEntry)}
}

// Lock acquires the per-conversation lock and returns its release func.
func (k *KeyedLock) Lock(id uuid.UUID) func() {
	k.mu.Lock()
	entry, ok := k.locks[id]
	if !ok {
		entry = &lockEntry{}
		k.locks[id] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
