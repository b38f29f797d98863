// Package store defines the persistent collaborators of the synthesis
// core: variant metadata, usage recording, and the document block
// lookup. The Postgres implementations live in postgres.go; in-memory
// doubles for tests live in mem.go.
//
// Only the billing consumer (and, rarely, the cache warmer) writes
// here. The hot result path never touches this package — a fast worker
// can flood results faster than a connection pool services them, and
// that pool must never be shared with request-path work.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// VariantMeta is the persistent row describing one cached variant.
// DurationMS is ground truth from the decoded audio, not the adapter's
// declared value.
type VariantMeta struct {
	VariantHash string
	Model       string
	Voice       string
	DurationMS  int64
	CacheRef    string
	Pinned      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// VariantStore persists variant metadata.
type VariantStore interface {
	// UpsertVariant inserts or refreshes the metadata row for a variant.
	UpsertVariant(ctx context.Context, meta VariantMeta) error

	// GetVariant returns the metadata row, or ErrNotFound.
	GetVariant(ctx context.Context, hash string) (VariantMeta, error)

	// SetPinned flips the pinned flag on existing rows.
	SetPinned(ctx context.Context, pinned bool, hashes ...string) error
}

// UsageEvent is one billable synthesis, recorded at most once.
type UsageEvent struct {
	UserID      string
	DocumentID  string
	VariantHash string
	Model       string
	Voice       string
	// Chars is text length × usage multiplier, the billing unit.
	Chars      float64
	DurationMS int64
}

// UsageRecorder persists usage events for the billing pipeline.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, ev UsageEvent) error
}

// Block is one synthesisable unit of a document, produced by ingestion.
type Block struct {
	Text            string
	VoiceParams     map[string]string
	UsageMultiplier float64
}

// BlockStore resolves document blocks for the orchestrator.
type BlockStore interface {
	// GetBlock returns the block at (documentID, blockIdx), or
	// ErrNotFound when the document or index is unknown.
	GetBlock(ctx context.Context, documentID string, blockIdx int) (Block, error)
}
