// Package tts defines the Provider interface for text-to-speech
// synthesis backends.
//
// A provider wraps one synthesis model — a local GPU server, an
// external HTTP API, or a serverless endpoint — and exposes a single
// batch operation: text in, audio out. Providers see nothing of the job
// queue or the variant cache; retry and backoff against their own
// upstream is the one piece of policy they own.
//
// Implementations must be safe for concurrent use. The parallel
// dispatcher may run many Synthesize calls against one provider at once.
package tts

import (
	"context"
	"errors"
	"fmt"
)

// Audio is the output of a successful synthesis call.
type Audio struct {
	// Bytes is the encoded audio payload.
	Bytes []byte

	// Codec identifies the encoding, e.g. "audio/wav" or "audio/mpeg".
	Codec string

	// DurationMS is the provider-declared duration. Callers that can
	// decode the payload should prefer the decoded duration; declared
	// values drift on some backends.
	DurationMS int64
}

// Empty reports whether the synthesis produced no audio, which happens
// for whitespace-only input on most backends.
func (a Audio) Empty() bool { return len(a.Bytes) == 0 }

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice and voice parameters.
	// Transient upstream failures (rate limits, 5xx, timeouts) are
	// retried internally; an error returned from Synthesize is final for
	// this attempt. Use [IsTransient] to distinguish an exhausted retry
	// budget from a fatal input error.
	Synthesize(ctx context.Context, text, voice string, params map[string]string) (Audio, error)

	// Slug returns the stable model identifier this provider serves,
	// e.g. "kokoro" or "eleven_flash". It matches the queue the worker
	// pulls from.
	Slug() string
}

// Error is a classified synthesis failure.
type Error struct {
	// Transient marks failures worth retrying on a later attempt
	// (upstream overload, network). Non-transient failures are caused by
	// the input itself and will fail identically on every retry.
	Transient bool

	// Msg describes the failure.
	Msg string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tts: %s: %v", e.Msg, e.Err)
	}
	return "tts: " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable synthesis failure.
func Transient(msg string, err error) *Error {
	return &Error{Transient: true, Msg: msg, Err: err}
}

// Fatal wraps err as a non-retryable synthesis failure.
func Fatal(msg string, err error) *Error {
	return &Error{Transient: false, Msg: msg, Err: err}
}

// IsTransient reports whether err is (or wraps) a transient synthesis
// failure. Unclassified errors are treated as transient so that plain
// network errors get the benefit of the doubt.
func IsTransient(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Transient
	}
	return true
}
