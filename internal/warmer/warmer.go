// Package warmer pre-synthesises a fixed set of variants and pins them
// against eviction. It runs once at deploy time (or on demand) so that
// first-listen latency for common content — onboarding documents,
// sample voices — is a cache hit instead of a cold synthesis.
package warmer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oratio-audio/oratio/internal/cache"
	"github.com/oratio-audio/oratio/internal/store"
	"github.com/oratio-audio/oratio/pkg/provider/tts"
	"github.com/oratio-audio/oratio/pkg/types"
)

// Entry is one variant to warm.
type Entry struct {
	Text   string            `yaml:"text"`
	Model  string            `yaml:"model"`
	Voice  string            `yaml:"voice"`
	Params map[string]string `yaml:"params"`
}

// Warmer synthesises and pins configured variants. Warm runs are
// idempotent: already-cached variants are only re-pinned.
type Warmer struct {
	cache     cache.Cache
	variants  store.VariantStore
	providers map[string]tts.Provider
}

// New creates a warmer. providers maps model slugs to the adapter used
// for direct synthesis; variants may be nil when no metadata database
// is configured.
func New(c cache.Cache, variants store.VariantStore, providers map[string]tts.Provider) *Warmer {
	return &Warmer{cache: c, variants: variants, providers: providers}
}

// Warm processes every entry, continuing past per-entry failures.
// Returns the number of variants synthesised (not counting re-pins)
// and the last error encountered.
func (w *Warmer) Warm(ctx context.Context, entries []Entry) (synthesised int, err error) {
	for _, e := range entries {
		fresh, werr := w.warmOne(ctx, e)
		if werr != nil {
			slog.Error("warmer: entry failed", "model", e.Model, "voice", e.Voice, "err", werr)
			err = werr
			continue
		}
		if fresh {
			synthesised++
		}
	}
	return synthesised, err
}

// warmOne warms a single entry. fresh reports whether synthesis ran.
func (w *Warmer) warmOne(ctx context.Context, e Entry) (fresh bool, err error) {
	hash := types.VariantHash(e.Text, e.Model, e.Voice, e.Params)

	exists, err := w.cache.Exists(hash)
	if err != nil {
		return false, fmt.Errorf("warmer: cache check %s: %w", hash, err)
	}
	if !exists {
		provider, ok := w.providers[e.Model]
		if !ok {
			return false, fmt.Errorf("warmer: no adapter for model %q", e.Model)
		}
		audio, err := provider.Synthesize(ctx, e.Text, e.Voice, e.Params)
		if err != nil {
			return false, fmt.Errorf("warmer: synthesise %s: %w", hash, err)
		}
		duration := audio.DurationMS
		if decoded, ok := tts.WAVDurationMS(audio.Bytes); ok {
			duration = decoded
		}
		entry := cache.Entry{Bytes: audio.Bytes, Codec: audio.Codec, DurationMS: duration}
		if err := w.cache.Put(hash, entry); err != nil {
			return false, fmt.Errorf("warmer: cache write %s: %w", hash, err)
		}
		if w.variants != nil {
			meta := store.VariantMeta{
				VariantHash: hash,
				Model:       e.Model,
				Voice:       e.Voice,
				DurationMS:  duration,
				CacheRef:    "/audio/" + hash,
				Pinned:      true,
			}
			if err := w.variants.UpsertVariant(ctx, meta); err != nil {
				slog.Warn("warmer: variant upsert failed", "variant", hash, "err", err)
			}
		}
		fresh = true
		slog.Info("warmer: synthesised variant", "model", e.Model, "voice", e.Voice, "variant", hash)
	}

	if err := w.cache.Pin(hash); err != nil {
		return fresh, fmt.Errorf("warmer: pin %s: %w", hash, err)
	}
	if w.variants != nil {
		if err := w.variants.SetPinned(ctx, true, hash); err != nil {
			slog.Warn("warmer: pin flag update failed", "variant", hash, "err", err)
		}
	}
	return fresh, nil
}
