package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the synthesis core's persistent tables.
// Execute it via [PostgresStore.Migrate] or apply it manually during
// deployment. Block rows are written by document ingestion, which is
// outside this repository; the core only reads them.
const Schema = `
CREATE TABLE IF NOT EXISTS variants (
    variant_hash TEXT PRIMARY KEY,
    model        TEXT NOT NULL,
    voice        TEXT NOT NULL,
    duration_ms  BIGINT NOT NULL DEFAULT 0,
    cache_ref    TEXT NOT NULL DEFAULT '',
    pinned       BOOLEAN NOT NULL DEFAULT FALSE,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS usage_events (
    id           BIGSERIAL PRIMARY KEY,
    user_id      TEXT NOT NULL,
    document_id  TEXT NOT NULL DEFAULT '',
    variant_hash TEXT NOT NULL,
    model        TEXT NOT NULL,
    voice        TEXT NOT NULL,
    chars        DOUBLE PRECISION NOT NULL,
    duration_ms  BIGINT NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_usage_events_user ON usage_events(user_id, created_at);

CREATE TABLE IF NOT EXISTS blocks (
    document_id      TEXT NOT NULL,
    block_idx        INTEGER NOT NULL,
    text             TEXT NOT NULL,
    voice_params     JSONB NOT NULL DEFAULT '{}',
    usage_multiplier DOUBLE PRECISION NOT NULL DEFAULT 1,
    PRIMARY KEY (document_id, block_idx)
);
`

// DB is the database interface used by the Postgres stores. Both
// *pgxpool.Pool and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore implements [VariantStore] and [UsageRecorder] on a
// PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface checks.
var (
	_ VariantStore  = (*PostgresStore)(nil)
	_ UsageRecorder = (*PostgresStore)(nil)
)

// NewPostgresStore creates a store on the given connection or pool. The
// caller is responsible for calling [PostgresStore.Migrate] before
// issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// UpsertVariant inserts or refreshes the metadata row for a variant.
func (s *PostgresStore) UpsertVariant(ctx context.Context, meta VariantMeta) error {
	const query = `
		INSERT INTO variants (variant_hash, model, voice, duration_ms, cache_ref, pinned)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (variant_hash) DO UPDATE SET
			duration_ms = EXCLUDED.duration_ms,
			cache_ref   = EXCLUDED.cache_ref,
			updated_at  = now()`
	if _, err := s.db.Exec(ctx, query,
		meta.VariantHash, meta.Model, meta.Voice, meta.DurationMS, meta.CacheRef, meta.Pinned,
	); err != nil {
		return fmt.Errorf("store: upsert variant %s: %w", meta.VariantHash, err)
	}
	return nil
}

// GetVariant returns the metadata row for hash.
func (s *PostgresStore) GetVariant(ctx context.Context, hash string) (VariantMeta, error) {
	const query = `
		SELECT variant_hash, model, voice, duration_ms, cache_ref, pinned, created_at, updated_at
		FROM variants WHERE variant_hash = $1`
	var m VariantMeta
	err := s.db.QueryRow(ctx, query, hash).Scan(
		&m.VariantHash, &m.Model, &m.Voice, &m.DurationMS, &m.CacheRef, &m.Pinned, &m.CreatedAt, &m.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return VariantMeta{}, ErrNotFound
	}
	if err != nil {
		return VariantMeta{}, fmt.Errorf("store: get variant %s: %w", hash, err)
	}
	return m, nil
}

// SetPinned flips the pinned flag on the given variants.
func (s *PostgresStore) SetPinned(ctx context.Context, pinned bool, hashes ...string) error {
	if len(hashes) == 0 {
		return nil
	}
	const query = `UPDATE variants SET pinned = $1, updated_at = now() WHERE variant_hash = ANY($2)`
	if _, err := s.db.Exec(ctx, query, pinned, hashes); err != nil {
		return fmt.Errorf("store: set pinned: %w", err)
	}
	return nil
}

// RecordUsage appends one usage event.
func (s *PostgresStore) RecordUsage(ctx context.Context, ev UsageEvent) error {
	const query = `
		INSERT INTO usage_events (user_id, document_id, variant_hash, model, voice, chars, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := s.db.Exec(ctx, query,
		ev.UserID, ev.DocumentID, ev.VariantHash, ev.Model, ev.Voice, ev.Chars, ev.DurationMS,
	); err != nil {
		return fmt.Errorf("store: record usage for %s: %w", ev.UserID, err)
	}
	return nil
}

// PostgresBlockStore implements [BlockStore] on the blocks table.
type PostgresBlockStore struct {
	db DB
}

// Compile-time interface check.
var _ BlockStore = (*PostgresBlockStore)(nil)

// NewPostgresBlockStore creates a block store on the given connection
// or pool.
func NewPostgresBlockStore(db DB) *PostgresBlockStore {
	return &PostgresBlockStore{db: db}
}

// GetBlock returns the block at (documentID, blockIdx).
func (s *PostgresBlockStore) GetBlock(ctx context.Context, documentID string, blockIdx int) (Block, error) {
	const query = `
		SELECT text, voice_params, usage_multiplier
		FROM blocks WHERE document_id = $1 AND block_idx = $2`
	var b Block
	var paramsJSON []byte
	err := s.db.QueryRow(ctx, query, documentID, blockIdx).Scan(&b.Text, &paramsJSON, &b.UsageMultiplier)
	if errors.Is(err, pgx.ErrNoRows) {
		return Block{}, ErrNotFound
	}
	if err != nil {
		return Block{}, fmt.Errorf("store: get block %s/%d: %w", documentID, blockIdx, err)
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &b.VoiceParams); err != nil {
			return Block{}, fmt.Errorf("store: decode voice_params %s/%d: %w", documentID, blockIdx, err)
		}
	}
	return b, nil
}
