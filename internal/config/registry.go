package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/oratio-audio/oratio/internal/resilience"
	"github.com/oratio-audio/oratio/pkg/provider/tts"
	"github.com/oratio-audio/oratio/pkg/provider/tts/elevenlabs"
	"github.com/oratio-audio/oratio/pkg/provider/tts/kokorohttp"
	"github.com/oratio-audio/oratio/pkg/provider/tts/mock"
	"github.com/oratio-audio/oratio/pkg/provider/tts/serverless"
)

// ErrAdapterNotRegistered is returned by [Registry.CreateTTS] when no
// factory has been registered under the requested adapter kind.
var ErrAdapterNotRegistered = errors.New("config: adapter not registered")

// Registry maps adapter kinds to their constructor functions. It is
// safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	tts map[AdapterKind]func(ModelConfig) (tts.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		tts: make(map[AdapterKind]func(ModelConfig) (tts.Provider, error)),
	}
}

// RegisterTTS registers a synthesis adapter factory under kind.
// Subsequent calls with the same kind overwrite the previous registration.
func (r *Registry) RegisterTTS(kind AdapterKind, factory func(ModelConfig) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[kind] = factory
}

// CreateTTS instantiates the adapter configured for mc.
// Returns [ErrAdapterNotRegistered] for unknown kinds.
func (r *Registry) CreateTTS(mc ModelConfig) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[mc.Adapter]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAdapterNotRegistered, mc.Adapter)
	}
	return factory(mc)
}

// DefaultRegistry returns a registry with all built-in adapters.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.RegisterTTS(AdapterKokoro, func(mc ModelConfig) (tts.Provider, error) {
		opts := []kokorohttp.Option{kokorohttp.WithSlug(mc.Slug)}
		if mc.Timeout > 0 {
			opts = append(opts, kokorohttp.WithTimeout(mc.Timeout.Std()))
		}
		return kokorohttp.New(mc.BaseURL, opts...)
	})

	r.RegisterTTS(AdapterElevenLabs, func(mc ModelConfig) (tts.Provider, error) {
		opts := []elevenlabs.Option{elevenlabs.WithSlug(mc.Slug)}
		if mc.Model != "" {
			opts = append(opts, elevenlabs.WithModel(mc.Model))
		}
		if mc.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(mc.BaseURL))
		}
		if mc.Timeout > 0 {
			opts = append(opts, elevenlabs.WithTimeout(mc.Timeout.Std()))
		}
		return elevenlabs.New(mc.APIKey, opts...)
	})

	r.RegisterTTS(AdapterServerless, func(mc ModelConfig) (tts.Provider, error) {
		var opts []serverless.Option
		if mc.APIKey != "" {
			opts = append(opts, serverless.WithAuthToken(mc.APIKey))
		}
		if mc.Timeout > 0 {
			opts = append(opts, serverless.WithTimeout(mc.Timeout.Std()))
		}
		return serverless.New(mc.BaseURL, mc.Slug, opts...)
	})

	r.RegisterTTS(AdapterMock, func(mc ModelConfig) (tts.Provider, error) {
		return &mock.Provider{ModelSlug: mc.Slug}, nil
	})

	return r
}

// BuildProviders instantiates one adapter per configured model, keyed
// by slug. Models with fallbacks get a failover wrapper with per-backend
// circuit breakers. Construction stops at the first failure.
func BuildProviders(r *Registry, cfg *Config) (map[string]tts.Provider, error) {
	providers := make(map[string]tts.Provider, len(cfg.Models))
	for _, mc := range cfg.Models {
		p, err := r.CreateTTS(mc)
		if err != nil {
			return nil, fmt.Errorf("config: model %q: %w", mc.Slug, err)
		}
		if len(mc.Fallbacks) > 0 {
			group := resilience.NewTTSFallback(p, mc.Slug+"/"+string(mc.Adapter), resilience.FallbackConfig{})
			for _, fb := range mc.Fallbacks {
				backend, err := r.CreateTTS(ModelConfig{
					Slug:    mc.Slug,
					Adapter: fb.Adapter,
					BaseURL: fb.BaseURL,
					APIKey:  fb.APIKey,
					Model:   fb.Model,
					Timeout: fb.Timeout,
				})
				if err != nil {
					return nil, fmt.Errorf("config: model %q fallback: %w", mc.Slug, err)
				}
				group.AddFallback(mc.Slug+"/"+string(fb.Adapter), backend)
			}
			p = group
		}
		providers[mc.Slug] = p
	}
	return providers, nil
}
