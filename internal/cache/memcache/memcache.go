// Package memcache provides an in-memory cache.Cache double for tests.
package memcache

import (
	"sort"
	"sync"
	"time"

	"github.com/oratio-audio/oratio/internal/cache"
)

// Compile-time interface assertion.
var _ cache.Cache = (*Store)(nil)

type record struct {
	entry      cache.Entry
	lastAccess time.Time
	pinned     bool
}

// Store is a map-backed [cache.Cache].
type Store struct {
	mu      sync.Mutex
	entries map[string]*record
	closed  bool

	// Now overrides the clock; defaults to time.Now.
	Now func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{entries: make(map[string]*record)}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Exists reports whether hash is stored.
func (s *Store) Exists(hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, cache.ErrClosed
	}
	_, ok := s.entries[hash]
	return ok, nil
}

// Get returns the entry for hash and bumps its access time.
func (s *Store) Get(hash string) (cache.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cache.Entry{}, false, cache.ErrClosed
	}
	r, ok := s.entries[hash]
	if !ok {
		return cache.Entry{}, false, nil
	}
	r.lastAccess = s.now()
	return r.entry, true, nil
}

// Put stores the entry unless the hash is already present.
func (s *Store) Put(hash string, entry cache.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cache.ErrClosed
	}
	if _, ok := s.entries[hash]; ok {
		return nil
	}
	s.entries[hash] = &record{entry: entry, lastAccess: s.now()}
	return nil
}

// Pin marks hashes exempt from eviction.
func (s *Store) Pin(hashes ...string) error { return s.setPinned(true, hashes) }

// Unpin clears the exemption.
func (s *Store) Unpin(hashes ...string) error { return s.setPinned(false, hashes) }

func (s *Store) setPinned(pinned bool, hashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cache.ErrClosed
	}
	for _, h := range hashes {
		if r, ok := s.entries[h]; ok {
			r.pinned = pinned
		}
	}
	return nil
}

// EvictLRU removes unpinned entries oldest-first until at or under
// targetBytes.
func (s *Store) EvictLRU(targetBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cache.ErrClosed
	}

	type candidate struct {
		hash string
		size int64
		at   time.Time
	}
	var total int64
	var candidates []candidate
	for h, r := range s.entries {
		size := int64(len(r.entry.Bytes))
		total += size
		if !r.pinned {
			candidates = append(candidates, candidate{hash: h, size: size, at: r.lastAccess})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].at.Before(candidates[j].at) })
	for _, c := range candidates {
		if total <= targetBytes {
			break
		}
		delete(s.entries, c.hash)
		total -= c.size
	}
	return nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len reports the number of stored entries. Test helper.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
