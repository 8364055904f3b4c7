// Package dedup provides bounded-memory, approximate-TTL membership
// structures used to reject replayed webhook event ids and SSO nonces.
//
// Instead of per-key timers or a cleanup goroutine, the structures keep two
// generations of entries ("current" and "previous") and rotate them lazily on
// access. A key inserted at time t is guaranteed present for queries in
// [t, t+TTL) and guaranteed absent by t+2*TTL. Late expiry only widens the
// replay-rejection window, never narrows it below TTL, which is the safe
// direction for replay protection.
//
// Expiry is computed from wall-clock seconds, so a large system clock
// adjustment can shift the window. A monotonic source would avoid that but
// would change the observable expiry times; the wall-clock behavior is kept
// deliberately.
package dedup

import (
	"sync"

	"billingsync/internal/types"
)

// ExpireSet is a TTL membership set over comparable keys.
// Safe for concurrent use.
type ExpireSet[K comparable] struct {
	inner ExpireMap[K, struct{}]
}

// NewExpireSet creates an ExpireSet whose entries live for at least
// ttlSeconds and at most 2*ttlSeconds. A nil clock defaults to real time.
func NewExpireSet[K comparable](ttlSeconds int64, clock types.Clock) *ExpireSet[K] {
	return &ExpireSet[K]{inner: *NewExpireMap[K, struct{}](ttlSeconds, clock)}
}

// Has reports whether key was inserted within its TTL window.
func (s *ExpireSet[K]) Has(key K) bool {
	_, ok := s.inner.Get(key)
	return ok
}

// Insert records key as seen, resetting its TTL if already present.
func (s *ExpireSet[K]) Insert(key K) {
	s.inner.Insert(key, struct{}{})
}

// ExpireMap is the map variant of ExpireSet, associating a value with each
// key for the same bounded lifetime. Safe for concurrent use.
type ExpireMap[K comparable, V any] struct {
	mu         sync.Mutex
	cur        map[K]entry[V]
	prev       map[K]entry[V]
	ttl        int64
	lastRotate int64
	clock      types.Clock
}

type entry[V any] struct {
	value     V
	expiresAt int64
}

// NewExpireMap creates an ExpireMap whose entries live for at least
// ttlSeconds and at most 2*ttlSeconds. A nil clock defaults to real time.
func NewExpireMap[K comparable, V any](ttlSeconds int64, clock types.Clock) *ExpireMap[K, V] {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &ExpireMap[K, V]{
		cur:        make(map[K]entry[V]),
		prev:       make(map[K]entry[V]),
		ttl:        ttlSeconds,
		lastRotate: clock.Now().Unix(),
		clock:      clock,
	}
}

// rotateIfNeeded demotes or discards generations based on elapsed time since
// the last rotation, and returns the current time in epoch seconds.
// Callers must hold mu.
func (m *ExpireMap[K, V]) rotateIfNeeded() int64 {
	now := m.clock.Now().Unix()
	diff := now - m.lastRotate
	if diff < 0 {
		diff = 0
	}

	if diff > m.ttl {
		if diff <= 2*m.ttl {
			// Rotate: current entries age into the previous generation.
			m.prev = m.cur
			m.cur = make(map[K]entry[V])
		} else {
			// Long idle period: everything is past 2*TTL, start clean.
			m.prev = make(map[K]entry[V])
			m.cur = make(map[K]entry[V])
		}
		m.lastRotate = now
	}

	return now
}

// Get returns the value stored for key if it is still within its TTL window.
func (m *ExpireMap[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.rotateIfNeeded()

	// Entries in the current generation are at most TTL old by construction.
	if e, ok := m.cur[key]; ok {
		return e.value, true
	}

	// Entries in the previous generation may have passed their expiry even
	// though the generation itself has not been discarded yet.
	if e, ok := m.prev[key]; ok && e.expiresAt >= now {
		return e.value, true
	}

	var zero V
	return zero, false
}

// Has reports whether key is still within its TTL window.
func (m *ExpireMap[K, V]) Has(key K) bool {
	_, ok := m.Get(key)
	return ok
}

// Insert stores value under key, (re)starting its TTL.
func (m *ExpireMap[K, V]) Insert(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.rotateIfNeeded()
	m.cur[key] = entry[V]{value: value, expiresAt: now + m.ttl}
}

// Remove deletes key from both generations. Used for explicit invalidation
// (e.g. revoking an API key before its TTL elapses).
func (m *ExpireMap[K, V]) Remove(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rotateIfNeeded()
	delete(m.cur, key)
	delete(m.prev, key)
}
