// Package locks provides in-process serialization of mutations keyed by
// entity ID. Balance and budget updates use check-then-apply sequences
// that are not safe under concurrent access to the same account, so every
// mutation path (API handlers and the settlement sweeps) locks the target
// account ID for the duration of its database transaction.
package locks

import "sync"

// KeyedMutex is a set of mutexes addressed by string key. Mutexes are
// created on first use and kept for the life of the process; the key space
// (account IDs of active users) is small enough that entries are not
// reclaimed.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it if needed.
func (k *KeyedMutex) Lock(key string) {
	k.get(key).Lock()
}

// Unlock releases the mutex for key.
func (k *KeyedMutex) Unlock(key string) {
	k.get(key).Unlock()
}

func (k *KeyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}
