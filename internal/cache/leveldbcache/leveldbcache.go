// Package leveldbcache implements the variant cache on an embedded
// LevelDB store.
//
// LevelDB gives the two properties the audio cache needs without a
// server dependency: write-ahead logging (a crash mid-Put never leaves
// a torn blob) and cheap prefix iteration for LRU accounting. Blobs and
// metadata live under separate key prefixes so eviction scans never
// touch audio bytes.
//
// Last-accessed updates are coalesced in memory and flushed on a
// ~10-second cadence; under read-heavy playback the alternative — one
// random write per Get — dominates the write load of the entire store.
package leveldbcache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/oratio-audio/oratio/internal/cache"
)

// Compile-time interface assertion.
var _ cache.Cache = (*Store)(nil)

const (
	blobPrefix = "b:"
	metaPrefix = "m:"

	defaultFlushInterval = 10 * time.Second
)

// meta is the per-entry bookkeeping record, stored as JSON under
// metaPrefix+hash.
type meta struct {
	Codec        string `json:"codec"`
	DurationMS   int64  `json:"duration_ms"`
	Size         int64  `json:"size"`
	LastAccessMS int64  `json:"last_access_ms"`
	Pinned       bool   `json:"pinned"`
}

// Option is a functional option for configuring a Store.
type Option func(*Store)

// WithFlushInterval overrides the last-accessed flush cadence. Tests
// use a short interval; production keeps the default 10 s.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Store) { s.flushInterval = d }
}

// WithClock overrides the time source. Tests use it to step the LRU
// clock deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is a LevelDB-backed [cache.Cache].
type Store struct {
	db            *leveldb.DB
	flushInterval time.Duration
	now           func() time.Time

	mu       sync.Mutex
	accessed map[string]int64 // hash → last-access unix ms, pending flush
	closed   bool

	flushDone chan struct{}
	stopFlush chan struct{}
}

// Open opens (or creates) the cache at dir.
func Open(dir string, opts ...Option) (*Store, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{
		// Audio blobs are large and already compressed.
		Compression: opt.NoCompression,
	})
	if err != nil {
		return nil, fmt.Errorf("leveldbcache: open %q: %w", dir, err)
	}
	s := &Store{
		db:            db,
		flushInterval: defaultFlushInterval,
		now:           time.Now,
		accessed:      make(map[string]int64),
		flushDone:     make(chan struct{}),
		stopFlush:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.flushLoop()
	return s, nil
}

// Exists reports whether the blob for hash is present.
func (s *Store) Exists(hash string) (bool, error) {
	ok, err := s.db.Has([]byte(blobPrefix+hash), nil)
	if err != nil {
		return false, fmt.Errorf("leveldbcache: exists %s: %w", hash, err)
	}
	return ok, nil
}

// Get returns the blob for hash and records the access time in the
// coalescing buffer.
func (s *Store) Get(hash string) (cache.Entry, bool, error) {
	blob, err := s.db.Get([]byte(blobPrefix+hash), nil)
	if err == leveldb.ErrNotFound {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("leveldbcache: get %s: %w", hash, err)
	}

	m, err := s.readMeta(hash)
	if err != nil {
		return cache.Entry{}, false, err
	}

	s.mu.Lock()
	s.accessed[hash] = s.now().UnixMilli()
	s.mu.Unlock()

	return cache.Entry{Bytes: blob, Codec: m.Codec, DurationMS: m.DurationMS}, true, nil
}

// Put inserts the blob for hash. Re-puts of an existing hash are no-ops;
// the first committed write wins.
func (s *Store) Put(hash string, entry cache.Entry) error {
	exists, err := s.Exists(hash)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	m := meta{
		Codec:        entry.Codec,
		DurationMS:   entry.DurationMS,
		Size:         int64(len(entry.Bytes)),
		LastAccessMS: s.now().UnixMilli(),
	}
	metaBytes, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("leveldbcache: marshal meta %s: %w", hash, err)
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(blobPrefix+hash), entry.Bytes)
	batch.Put([]byte(metaPrefix+hash), metaBytes)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("leveldbcache: put %s: %w", hash, err)
	}
	return nil
}

// Pin marks entries exempt from eviction. Unknown hashes are skipped.
func (s *Store) Pin(hashes ...string) error { return s.setPinned(true, hashes) }

// Unpin clears the eviction exemption.
func (s *Store) Unpin(hashes ...string) error { return s.setPinned(false, hashes) }

func (s *Store) setPinned(pinned bool, hashes []string) error {
	for _, hash := range hashes {
		m, err := s.readMeta(hash)
		if err != nil {
			return err
		}
		if m == nil {
			continue
		}
		m.Pinned = pinned
		metaBytes, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("leveldbcache: marshal meta %s: %w", hash, err)
		}
		if err := s.db.Put([]byte(metaPrefix+hash), metaBytes, nil); err != nil {
			return fmt.Errorf("leveldbcache: pin %s: %w", hash, err)
		}
	}
	return nil
}

// EvictLRU removes unpinned entries, oldest access first, until the
// stored size is at or under targetBytes.
func (s *Store) EvictLRU(targetBytes int64) error {
	// Fold pending access times in first so recently-read entries are
	// not evicted on stale timestamps.
	if err := s.flushAccessTimes(); err != nil {
		return err
	}

	type candidate struct {
		hash         string
		size         int64
		lastAccessMS int64
	}

	var total int64
	var candidates []candidate

	iter := s.db.NewIterator(util.BytesPrefix([]byte(metaPrefix)), nil)
	for iter.Next() {
		hash := string(iter.Key()[len(metaPrefix):])
		var m meta
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			slog.Warn("cache meta corrupt, skipping", "hash", hash, "err", err)
			continue
		}
		total += m.Size
		if !m.Pinned {
			candidates = append(candidates, candidate{hash: hash, size: m.Size, lastAccessMS: m.LastAccessMS})
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("leveldbcache: evict scan: %w", err)
	}

	if total <= targetBytes {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccessMS < candidates[j].lastAccessMS
	})

	batch := new(leveldb.Batch)
	evicted := 0
	for _, c := range candidates {
		if total <= targetBytes {
			break
		}
		batch.Delete([]byte(blobPrefix + c.hash))
		batch.Delete([]byte(metaPrefix + c.hash))
		total -= c.size
		evicted++
	}
	if evicted == 0 {
		return nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("leveldbcache: evict: %w", err)
	}
	slog.Info("cache eviction complete", "evicted", evicted, "remaining_bytes", total)
	return nil
}

// Close flushes pending access times and closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopFlush)
	<-s.flushDone

	if err := s.flushAccessTimes(); err != nil {
		slog.Warn("cache close: flush access times", "err", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("leveldbcache: close: %w", err)
	}
	return nil
}

// flushLoop periodically writes coalesced access times back to LevelDB.
func (s *Store) flushLoop() {
	defer close(s.flushDone)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopFlush:
			return
		case <-ticker.C:
			if err := s.flushAccessTimes(); err != nil {
				slog.Warn("cache access-time flush failed", "err", err)
			}
		}
	}
}

// flushAccessTimes drains the coalescing buffer into the store.
func (s *Store) flushAccessTimes() error {
	s.mu.Lock()
	pending := s.accessed
	s.accessed = make(map[string]int64)
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	batch := new(leveldb.Batch)
	for hash, ts := range pending {
		m, err := s.readMeta(hash)
		if err != nil {
			return err
		}
		if m == nil {
			continue // evicted since the read
		}
		m.LastAccessMS = ts
		metaBytes, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("leveldbcache: marshal meta %s: %w", hash, err)
		}
		batch.Put([]byte(metaPrefix+hash), metaBytes)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("leveldbcache: flush access times: %w", err)
	}
	return nil
}

// readMeta returns the metadata for hash, or nil when absent.
func (s *Store) readMeta(hash string) (*meta, error) {
	metaBytes, err := s.db.Get([]byte(metaPrefix+hash), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("leveldbcache: meta %s: %w", hash, err)
	}
	var m meta
	if err := json.Unmarshal(metaBytes, &m); err != nil {
		return nil, fmt.Errorf("leveldbcache: decode meta %s: %w", hash, err)
	}
	return &m, nil
}
