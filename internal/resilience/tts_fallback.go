package resilience

import (
	"context"

	"github.com/oratio-audio/oratio/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
//
// The composed provider reports the primary's slug: fallbacks are
// interchangeable renderings of the same model, so jobs and variants
// stay keyed to one model slug no matter which backend answered.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
	slug  string
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
		slug:  primary.Slug(),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize renders text with the first healthy provider. A fatal
// adapter error still advances to the next backend: one provider's
// unsupported voice may be another's default.
func (f *TTSFallback) Synthesize(ctx context.Context, text, voice string, params map[string]string) (tts.Audio, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (tts.Audio, error) {
		return p.Synthesize(ctx, text, voice, params)
	})
}

// Slug returns the primary backend's model slug.
func (f *TTSFallback) Slug() string { return f.slug }
