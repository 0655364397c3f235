package server

import (
	"sync"
	"time"
)

type entry struct {
	value   []byte
	expires time.Time // Zero means immortal
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// Store is the in-memory data of a cache server: named caches of byte keys
// and values, each entry with an optional lifespan.
// Expired entries are invisible immediately and reclaimed by Sweep.
type Store struct {
	mu     sync.RWMutex
	caches map[string]map[string]entry
	now    func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		caches: make(map[string]map[string]entry),
		now:    time.Now,
	}
}

func (s *Store) expiry(lifespan time.Duration) time.Time {
	if lifespan <= 0 {
		return time.Time{}
	}
	return s.now().Add(lifespan)
}

// getLocked must be called with mu held.
func (s *Store) getLocked(cache, key string) (entry, bool) {
	e, ok := s.caches[cache][key]
	if !ok || e.expired(s.now()) {
		return entry{}, false
	}
	return e, true
}

func (s *Store) putLocked(cache, key string, e entry) {
	m, ok := s.caches[cache]
	if !ok {
		m = make(map[string]entry)
		s.caches[cache] = m
	}
	m[key] = e
}

// Get returns the value of key.
func (s *Store) Get(cache, key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.getLocked(cache, key)
	return e.value, ok
}

// Put stores value and returns the previous one, if any.
func (s *Store) Put(cache, key string, value []byte, lifespan time.Duration) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.getLocked(cache, key)
	s.putLocked(cache, key, entry{value: value, expires: s.expiry(lifespan)})
	return prev.value, existed
}

// PutIfAbsent stores value only if key is absent. It returns the existing
// value and false when key was present.
func (s *Store) PutIfAbsent(cache, key string, value []byte, lifespan time.Duration) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.getLocked(cache, key); ok {
		return existing.value, false
	}
	s.putLocked(cache, key, entry{value: value, expires: s.expiry(lifespan)})
	return nil, true
}

// Remove deletes key and returns the removed value, if any.
func (s *Store) Remove(cache, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.getLocked(cache, key)
	delete(s.caches[cache], key)
	return prev.value, existed
}

// ContainsKey reports whether key is present.
func (s *Store) ContainsKey(cache, key string) bool {
	_, ok := s.Get(cache, key)
	return ok
}

// Size returns the number of live entries in cache.
func (s *Store) Size(cache string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	n := 0
	for _, e := range s.caches[cache] {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Clear removes every entry of cache.
func (s *Store) Clear(cache string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.caches, cache)
}

// Sweep drops expired entries and returns how many it dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for name, m := range s.caches {
		for k, e := range m {
			if e.expired(now) {
				delete(m, k)
				n++
			}
		}
		if len(m) == 0 {
			delete(s.caches, name)
		}
	}
	return n
}
