// Package timedstore provides a concurrent map with per-entry expiry and a
// background sweep, used for any short-lived side state the edge needs to
// keep in memory (signed tokens are never stored here — they verify from
// their own inputs).
package timedstore

import (
	"sync"
	"time"
)

// entry wraps a stored value with its expiry instant.
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.After(now)
}

// Store is a mapping from K to V where every value carries its own lifetime.
// Reads and writes are linearizable per key; no cross-key atomicity is
// provided or required.
type Store[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]entry[V]
	now  func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates an empty Store. Call Sweep to start the background expiry
// goroutine, or rely on the lazy eviction that happens on Get/Contains.
func New[K comparable, V any]() *Store[K, V] {
	return &Store[K, V]{
		data: make(map[K]entry[V]),
		now:  time.Now,
		stop: make(chan struct{}),
	}
}

// Insert overwrites the value for k with a fresh expiry of now+lifetime.
func (s *Store[K, V]) Insert(k K, v V, lifetime time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[k] = entry[V]{value: v, expiresAt: s.now().Add(lifetime)}
}

// Get returns the value for k, or the zero value and false if it is absent
// or expired. An expired entry found this way is evicted immediately.
func (s *Store[K, V]) Get(k K) (V, bool) {
	s.mu.RLock()
	e, ok := s.data[k]
	now := s.now()
	s.mu.RUnlock()
	if !ok || e.expired(now) {
		if ok {
			s.evict(k)
		}
		var zero V
		return zero, false
	}
	return e.value, true
}

// Contains reports whether k has a live entry.
func (s *Store[K, V]) Contains(k K) bool {
	_, ok := s.Get(k)
	return ok
}

// Remove deletes k unconditionally and reports whether a live entry existed.
func (s *Store[K, V]) Remove(k K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[k]
	delete(s.data, k)
	return ok && !e.expired(s.now())
}

// evict removes k only if it is still the same expired entry that was
// observed under the read lock — a fresh Insert racing in between wins.
func (s *Store[K, V]) evict(k K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.data[k]; ok && e.expired(s.now()) {
		delete(s.data, k)
	}
}

// Len returns the number of live entries. It walks the whole map, so it is
// O(n); expired entries it encounters are not evicted as a side effect.
func (s *Store[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	n := 0
	for _, e := range s.data {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// IsEmpty reports whether the store has no live entries.
func (s *Store[K, V]) IsEmpty() bool {
	return s.Len() == 0
}

// Clear removes every entry.
func (s *Store[K, V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[K]entry[V])
}

// Refresh resets k's expiry to now+lifetime if a live entry exists, and
// reports whether it did.
func (s *Store[K, V]) Refresh(k K, lifetime time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[k]
	now := s.now()
	if !ok || e.expired(now) {
		return false
	}
	e.expiresAt = now.Add(lifetime)
	s.data[k] = e
	return true
}

// Extend shifts k's expiry by +delta from its current expiry, if a live
// entry exists, and reports whether it did.
func (s *Store[K, V]) Extend(k K, delta time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[k]
	if !ok || e.expired(s.now()) {
		return false
	}
	e.expiresAt = e.expiresAt.Add(delta)
	s.data[k] = e
	return true
}

// Snapshot returns a point-in-time copy of all live key/value pairs.
// Callers must tolerate it going stale the instant it's returned.
func (s *Store[K, V]) Snapshot() map[K]V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	out := make(map[K]V, len(s.data))
	for k, e := range s.data {
		if !e.expired(now) {
			out[k] = e.value
		}
	}
	return out
}

// Sweep starts a background goroutine that removes expired entries every
// interval, and stops when the store is closed. It is safe to call at most
// once per Store.
func (s *Store[K, V]) Sweep(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweepOnce()
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *Store[K, V]) sweepOnce() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.data {
		if e.expired(now) {
			delete(s.data, k)
		}
	}
}

// Close stops the sweep goroutine, if one was started. It is safe to call
// multiple times and safe to call even if Sweep was never called.
func (s *Store[K, V]) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}
