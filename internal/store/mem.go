package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemStore is an in-memory [VariantStore] + [UsageRecorder] for tests.
type MemStore struct {
	mu       sync.Mutex
	variants map[string]VariantMeta
	usage    []UsageEvent

	// recordErr, when set, is returned by RecordUsage. Tests use it to
	// exercise the at-most-once drop path.
	recordErr error
}

// Compile-time interface checks.
var (
	_ VariantStore  = (*MemStore)(nil)
	_ UsageRecorder = (*MemStore)(nil)
)

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{variants: make(map[string]VariantMeta)}
}

// UpsertVariant inserts or refreshes a metadata row.
func (s *MemStore) UpsertVariant(_ context.Context, meta VariantMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.variants[meta.VariantHash]; ok {
		existing.DurationMS = meta.DurationMS
		existing.CacheRef = meta.CacheRef
		existing.UpdatedAt = now
		s.variants[meta.VariantHash] = existing
		return nil
	}
	meta.CreatedAt = now
	meta.UpdatedAt = now
	s.variants[meta.VariantHash] = meta
	return nil
}

// GetVariant returns the metadata row for hash.
func (s *MemStore) GetVariant(_ context.Context, hash string) (VariantMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.variants[hash]
	if !ok {
		return VariantMeta{}, ErrNotFound
	}
	return m, nil
}

// SetPinned flips the pinned flag on existing rows.
func (s *MemStore) SetPinned(_ context.Context, pinned bool, hashes ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hashes {
		if m, ok := s.variants[h]; ok {
			m.Pinned = pinned
			s.variants[h] = m
		}
	}
	return nil
}

// SetRecordErr makes subsequent RecordUsage calls fail with err. Pass
// nil to heal.
func (s *MemStore) SetRecordErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordErr = err
}

// RecordUsage appends a usage event, or fails with the injected error.
func (s *MemStore) RecordUsage(_ context.Context, ev UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordErr != nil {
		return s.recordErr
	}
	s.usage = append(s.usage, ev)
	return nil
}

// UsageEvents returns the recorded events in order. Test helper.
func (s *MemStore) UsageEvents() []UsageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UsageEvent, len(s.usage))
	copy(out, s.usage)
	return out
}

// MemBlockStore is an in-memory [BlockStore] for tests.
type MemBlockStore struct {
	mu     sync.Mutex
	blocks map[string]Block
}

// Compile-time interface check.
var _ BlockStore = (*MemBlockStore)(nil)

// NewMemBlockStore creates an empty MemBlockStore.
func NewMemBlockStore() *MemBlockStore {
	return &MemBlockStore{blocks: make(map[string]Block)}
}

func blockKey(documentID string, blockIdx int) string {
	return fmt.Sprintf("%s/%d", documentID, blockIdx)
}

// SetBlock stores a block for later lookup.
func (s *MemBlockStore) SetBlock(documentID string, blockIdx int, b Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.UsageMultiplier == 0 {
		b.UsageMultiplier = 1
	}
	s.blocks[blockKey(documentID, blockIdx)] = b
}

// GetBlock returns the block at (documentID, blockIdx).
func (s *MemBlockStore) GetBlock(_ context.Context, documentID string, blockIdx int) (Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[blockKey(documentID, blockIdx)]
	if !ok {
		return Block{}, ErrNotFound
	}
	return b, nil
}
