// Package cache defines the content-addressed audio blob store used by
// the synthesis core.
//
// Entries are keyed by variant hash and written exactly once per hash
// by the result consumer; the HTTP fetch handler and the orchestrator
// only read. The default implementation lives in the leveldbcache
// subpackage; memcache provides an in-memory double for tests. Any
// implementation must satisfy the same contract, including the failure
// mode: a missing blob must report Exists=false even if stale metadata
// survives elsewhere, so the orchestrator re-enqueues instead of
// handing out a dead audio URL.
package cache

import "errors"

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("cache: closed")

// Entry is a stored audio variant.
type Entry struct {
	Bytes      []byte
	Codec      string
	DurationMS int64
}

// Cache is the variant cache contract.
//
// EvictLRU is nondeterministic under concurrent writes; its only
// guarantee is a new steady-state size bound. Pinned entries are never
// evicted.
type Cache interface {
	// Exists reports whether the blob for hash is present. It is the
	// fast-path membership check on the websocket request path.
	Exists(hash string) (bool, error)

	// Get returns the blob and codec for hash, updating its
	// last-accessed time. ok is false when the blob is missing.
	Get(hash string) (entry Entry, ok bool, err error)

	// Put inserts the blob. A later Put with an already-present hash is
	// a no-op; the first committed write wins.
	Put(hash string, entry Entry) error

	// Pin marks entries exempt from eviction.
	Pin(hashes ...string) error

	// Unpin clears the eviction exemption.
	Unpin(hashes ...string) error

	// EvictLRU removes unpinned entries, oldest access first, until the
	// total stored size is at or under targetBytes.
	EvictLRU(targetBytes int64) error

	// Close flushes coalesced state and releases the store.
	Close() error
}
