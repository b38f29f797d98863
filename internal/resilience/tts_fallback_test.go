package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/oratio-audio/oratio/pkg/provider/tts"
	ttsmock "github.com/oratio-audio/oratio/pkg/provider/tts/mock"
)

func TestTTSFallback_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Provider{ModelSlug: "kokoro"}
	secondary := &ttsmock.Provider{ModelSlug: "kokoro"}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	audio, err := fb.Synthesize(context.Background(), "hello", "af_heart", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(audio.Bytes) == 0 {
		t.Fatal("no audio returned")
	}
	if primary.Calls() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.Calls())
	}
	if secondary.Calls() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.Calls())
	}
}

func TestTTSFallback_Failover(t *testing.T) {
	primary := &ttsmock.Provider{
		ModelSlug: "kokoro",
		SynthesizeFunc: func(context.Context, string, string, map[string]string) (tts.Audio, error) {
			return tts.Audio{}, errors.New("primary down")
		},
	}
	secondary := &ttsmock.Provider{
		ModelSlug: "kokoro",
		SynthesizeFunc: func(context.Context, string, string, map[string]string) (tts.Audio, error) {
			return tts.Audio{Bytes: []byte("fallback-audio"), Codec: "audio/wav", DurationMS: 50}, nil
		},
	}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	audio, err := fb.Synthesize(context.Background(), "hello", "af_heart", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(audio.Bytes) != "fallback-audio" {
		t.Fatalf("audio = %q, want fallback-audio", string(audio.Bytes))
	}
	if primary.Calls() != 1 || secondary.Calls() != 1 {
		t.Fatalf("calls = (%d, %d), want (1, 1)", primary.Calls(), secondary.Calls())
	}
}

func TestTTSFallback_AllFail(t *testing.T) {
	fail := func(context.Context, string, string, map[string]string) (tts.Audio, error) {
		return tts.Audio{}, errors.New("down")
	}
	primary := &ttsmock.Provider{ModelSlug: "kokoro", SynthesizeFunc: fail}
	secondary := &ttsmock.Provider{ModelSlug: "kokoro", SynthesizeFunc: fail}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Synthesize(context.Background(), "hello", "af_heart", nil)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTTSFallback_SlugIsPrimary(t *testing.T) {
	primary := &ttsmock.Provider{ModelSlug: "kokoro"}
	fb := NewTTSFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", &ttsmock.Provider{ModelSlug: "other"})
	if fb.Slug() != "kokoro" {
		t.Fatalf("slug = %q, want kokoro", fb.Slug())
	}
}

func TestTTSFallback_OpenBreakerSkipsPrimary(t *testing.T) {
	var primaryCalls int
	primary := &ttsmock.Provider{
		ModelSlug: "kokoro",
		SynthesizeFunc: func(context.Context, string, string, map[string]string) (tts.Audio, error) {
			primaryCalls++
			return tts.Audio{}, errors.New("primary down")
		},
	}
	secondary := &ttsmock.Provider{ModelSlug: "kokoro"}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2},
	})
	fb.AddFallback("secondary", secondary)

	// Two failing calls trip the primary's breaker.
	for i := 0; i < 2; i++ {
		if _, err := fb.Synthesize(context.Background(), "hello", "v", nil); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	before := primaryCalls
	if _, err := fb.Synthesize(context.Background(), "hello", "v", nil); err != nil {
		t.Fatal(err)
	}
	if primaryCalls != before {
		t.Fatalf("primary called with open breaker (%d -> %d)", before, primaryCalls)
	}
}
