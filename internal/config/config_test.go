package config_test

import (
	"errors"
	"testing"

	"github.com/oratio-audio/oratio/internal/config"
)

func TestConfig_ModelLookup(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Models: []config.ModelConfig{
			{Slug: "kokoro", Adapter: config.AdapterKokoro},
			{Slug: "eleven", Adapter: config.AdapterElevenLabs},
		},
	}

	if m := cfg.Model("eleven"); m == nil || m.Adapter != config.AdapterElevenLabs {
		t.Errorf("Model(eleven) = %+v", m)
	}
	if m := cfg.Model("nope"); m != nil {
		t.Errorf("Model(nope) = %+v, want nil", m)
	}
	slugs := cfg.ModelSlugs()
	if len(slugs) != 2 || slugs[0] != "kokoro" || slugs[1] != "eleven" {
		t.Errorf("ModelSlugs() = %v", slugs)
	}
}

func TestRegistry_BuildProviders(t *testing.T) {
	t.Parallel()
	r := config.DefaultRegistry()
	cfg := &config.Config{
		Models: []config.ModelConfig{
			{Slug: "kokoro", Adapter: config.AdapterKokoro, BaseURL: "http://localhost:8880"},
			{Slug: "eleven", Adapter: config.AdapterElevenLabs, APIKey: "k"},
			{Slug: "spill", Adapter: config.AdapterServerless, BaseURL: "https://gpu.example.com"},
			{Slug: "fake", Adapter: config.AdapterMock},
		},
	}

	providers, err := config.BuildProviders(r, cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, slug := range []string{"kokoro", "eleven", "spill", "fake"} {
		p, ok := providers[slug]
		if !ok {
			t.Errorf("provider %q missing", slug)
			continue
		}
		if p.Slug() != slug {
			t.Errorf("provider %q reports slug %q", slug, p.Slug())
		}
	}
}

func TestRegistry_FallbacksKeepPrimarySlug(t *testing.T) {
	t.Parallel()
	r := config.DefaultRegistry()
	cfg := &config.Config{
		Models: []config.ModelConfig{{
			Slug:    "kokoro",
			Adapter: config.AdapterKokoro,
			BaseURL: "http://localhost:8880",
			Serial:  true,
			Fallbacks: []config.AdapterConfig{
				{Adapter: config.AdapterServerless, BaseURL: "https://gpu.example.com"},
			},
		}},
	}

	providers, err := config.BuildProviders(r, cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// The failover wrapper must be transparent to everything keyed on
	// the model slug: jobs, variants, queue names.
	if got := providers["kokoro"].Slug(); got != "kokoro" {
		t.Errorf("wrapped provider slug = %q, want kokoro", got)
	}
}

func TestRegistry_UnknownAdapter(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	_, err := r.CreateTTS(config.ModelConfig{Slug: "x", Adapter: "teleport"})
	if !errors.Is(err, config.ErrAdapterNotRegistered) {
		t.Fatalf("err = %v, want ErrAdapterNotRegistered", err)
	}
}

func TestRegistry_FactoryFailurePropagates(t *testing.T) {
	t.Parallel()
	r := config.DefaultRegistry()
	// kokoro without a base URL cannot be constructed.
	_, err := config.BuildProviders(r, &config.Config{
		Models: []config.ModelConfig{{Slug: "kokoro", Adapter: config.AdapterKokoro}},
	})
	if err == nil {
		t.Fatal("expected constructor failure, got nil")
	}
}
