// Package recon implements the reconciliation engine: the set of idempotent,
// lock-serialized transition procedures that drive the local account
// directory, the billing provider, and the account provider toward a
// consistent joint state in response to webhooks and first-party API calls.
package recon

import "sync"

// createLockKey serializes all account-creation flows, which cannot be keyed
// by account id because the id does not exist until the provider assigns one.
const createLockKey = "\x00create-account"

// KeyedLock provides named mutual exclusion. Mutations for unrelated
// accounts proceed concurrently; two holders of the same key are serialized.
// Lock entries are reclaimed once the last waiter releases.
type KeyedLock struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedLock creates an empty KeyedLock.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{entries: make(map[string]*lockEntry)}
}

// Lock acquires the lock for key, blocking until it is available.
func (l *KeyedLock) Lock(key string) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the lock for key. Unlocking a key that is not held panics,
// same as sync.Mutex.
func (l *KeyedLock) Unlock(key string) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		l.mu.Unlock()
		panic("recon: unlock of unheld key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()

	e.mu.Unlock()
}
