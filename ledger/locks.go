// locks.go - Per-key serialization primitive.
//
// Operations on one transaction item (append + recompute) must be
// serialized relative to each other while operations on different items
// proceed fully in parallel. KeyedMutex provides that: one mutex per key,
// created on demand, nothing shared across keys.
package ledger

import "sync"

type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock function.
//
//	unlock := locks.Lock(string(itemID))
//	defer unlock()
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
