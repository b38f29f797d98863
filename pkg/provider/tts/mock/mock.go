// Package mock provides a configurable tts.Provider test double.
package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oratio-audio/oratio/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Provider is a scriptable TTS provider for tests. The zero value
// synthesises a small deterministic payload for any input.
type Provider struct {
	// ModelSlug is returned by Slug. Defaults to "mock".
	ModelSlug string

	// Delay is slept (context-aware) before each synthesis.
	Delay time.Duration

	// SynthesizeFunc, when set, replaces the default behaviour entirely.
	SynthesizeFunc func(ctx context.Context, text, voice string, params map[string]string) (tts.Audio, error)

	calls atomic.Int64

	mu    sync.Mutex
	texts []string
}

// Synthesize records the call and either delegates to SynthesizeFunc or
// returns a deterministic payload derived from the inputs.
func (p *Provider) Synthesize(ctx context.Context, text, voice string, params map[string]string) (tts.Audio, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.texts = append(p.texts, text)
	p.mu.Unlock()

	if p.Delay > 0 {
		select {
		case <-ctx.Done():
			return tts.Audio{}, ctx.Err()
		case <-time.After(p.Delay):
		}
	}

	if p.SynthesizeFunc != nil {
		return p.SynthesizeFunc(ctx, text, voice, params)
	}

	payload := []byte("audio:" + voice + ":" + text)
	return tts.Audio{Bytes: payload, Codec: "audio/wav", DurationMS: int64(len(text)) * 60}, nil
}

// Slug returns the configured model slug.
func (p *Provider) Slug() string {
	if p.ModelSlug == "" {
		return "mock"
	}
	return p.ModelSlug
}

// Calls returns how many times Synthesize has been invoked.
func (p *Provider) Calls() int64 { return p.calls.Load() }

// Texts returns the texts synthesised so far, in call order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.texts))
	copy(out, p.texts)
	return out
}
