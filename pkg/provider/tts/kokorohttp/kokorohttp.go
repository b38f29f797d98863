// Package kokorohttp provides a TTS provider backed by a local Kokoro
// model server's REST API. It implements the tts.Provider interface.
//
// The Kokoro server runs one synthesis at a time per GPU, so this
// provider is normally driven by the serial worker loop: exactly one
// outstanding Synthesize call per process. The provider itself places
// no concurrency restriction — a second call simply queues inside the
// model server.
//
// Typical usage:
//
//	p, err := kokorohttp.New("http://localhost:8880",
//	    kokorohttp.WithTimeout(60*time.Second),
//	)
//	audio, err := p.Synthesize(ctx, "Hello world", "af_heart", nil)
package kokorohttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/oratio-audio/oratio/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultSlug    = "kokoro"
	defaultTimeout = 120 * time.Second
	speechEndpoint = "/v1/audio/speech"
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout. Local GPU synthesis of
// a long block can take tens of seconds; the default is 120 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithSlug overrides the model slug reported by [Provider.Slug]. Use
// this when several Kokoro checkpoints are served behind distinct queues.
func WithSlug(slug string) Option {
	return func(p *Provider) { p.slug = slug }
}

// Provider implements tts.Provider against a Kokoro HTTP server.
type Provider struct {
	baseURL    string
	slug       string
	httpClient *http.Client
}

// New creates a Provider targeting the Kokoro server at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("kokorohttp: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    baseURL,
		slug:       defaultSlug,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Slug returns the model slug this provider serves.
func (p *Provider) Slug() string { return p.slug }

// speechRequest is the JSON body for POST /v1/audio/speech.
type speechRequest struct {
	Input string  `json:"input"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed,omitempty"`
}

// Synthesize renders text via a single POST to the model server. The
// response body is WAV audio; duration is decoded from the payload.
func (p *Provider) Synthesize(ctx context.Context, text, voice string, params map[string]string) (tts.Audio, error) {
	if voice == "" {
		return tts.Audio{}, tts.Fatal("voice must not be empty", nil)
	}

	body := speechRequest{Input: text, Voice: voice}
	if s, ok := params["speed"]; ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			body.Speed = f
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return tts.Audio{}, tts.Fatal("marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+speechEndpoint, bytes.NewReader(payload))
	if err != nil {
		return tts.Audio{}, tts.Fatal("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return tts.Audio{}, tts.Transient("http", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnprocessableEntity, resp.StatusCode == http.StatusBadRequest:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return tts.Audio{}, tts.Fatal(fmt.Sprintf("rejected input: %s", msg), nil)
	default:
		return tts.Audio{}, tts.Transient(fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	audioBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, tts.Transient("read body", err)
	}

	audio := tts.Audio{Bytes: audioBytes, Codec: "audio/wav"}
	if ms, ok := tts.WAVDurationMS(audioBytes); ok {
		audio.DurationMS = ms
	}
	return audio, nil
}
