package tts

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig controls the exponential backoff applied by [WithRetry].
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// BaseDelay is the delay after the first failed attempt. Each
	// subsequent delay doubles, up to MaxDelay, with ±25% jitter.
	BaseDelay time.Duration

	// MaxDelay caps the per-attempt delay.
	MaxDelay time.Duration
}

// DefaultRetry is the retry policy used by the shipped HTTP adapters.
var DefaultRetry = RetryConfig{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}

// WithRetry runs fn with exponential backoff, retrying only transient
// failures. Fatal failures and context cancellation return immediately.
// When the attempt budget is exhausted the last transient error is
// returned; callers map it to an exhausted error code.
func WithRetry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (Audio, error)) (Audio, error) {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := cfg.BaseDelay

	var lastErr error
	for attempt := range attempts {
		audio, err := fn(ctx)
		if err == nil {
			return audio, nil
		}
		if !IsTransient(err) {
			return Audio{}, err
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}

		jittered := delay + time.Duration(rand.Int64N(int64(delay)/2+1)) - delay/4
		select {
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		case <-time.After(jittered):
		}
		delay *= 2
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return Audio{}, lastErr
}
