// Package elevenlabs provides an ElevenLabs-backed TTS provider using
// the one-shot synthesis REST API. It implements the tts.Provider
// interface.
//
// Unlike a local GPU server, the ElevenLabs API happily runs many
// syntheses in parallel, so this provider is normally driven by the
// parallel dispatcher. Rate limits (429) and upstream 5xx responses are
// retried with exponential backoff; input errors surface immediately.
package elevenlabs

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
	defaultBaseURL = "https://api.elevenlabs.io"
	defaultModel   = "eleven_flash_v2_5"
	defaultTimeout = 30 * time.Second
	ttsEndpointFmt = "/v1/text-to-speech/%s"
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g. "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the API endpoint. Used in tests to point the
// provider at a local httptest server.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithRetry overrides the backoff policy for transient upstream errors.
func WithRetry(cfg tts.RetryConfig) Option {
	return func(p *Provider) { p.retry = cfg }
}

// WithSlug overrides the model slug reported by [Provider.Slug].
func WithSlug(slug string) Option {
	return func(p *Provider) { p.slug = slug }
}

// Provider implements tts.Provider backed by the ElevenLabs REST API.
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	slug       string
	retry      tts.RetryConfig
	httpClient *http.Client
}

// New creates an ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		slug:       "elevenlabs",
		retry:      tts.DefaultRetry,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Slug returns the model slug this provider serves.
func (p *Provider) Slug() string { return p.slug }

// synthesisRequest is the JSON body for POST /v1/text-to-speech/{voice}.
type synthesisRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// Synthesize renders text with the given voice, retrying transient
// upstream failures per the configured backoff policy.
func (p *Provider) Synthesize(ctx context.Context, text, voice string, params map[string]string) (tts.Audio, error) {
	if voice == "" {
		return tts.Audio{}, tts.Fatal("voice must not be empty", nil)
	}
	return tts.WithRetry(ctx, p.retry, func(ctx context.Context) (tts.Audio, error) {
		return p.synthesizeOnce(ctx, text, voice, params)
	})
}

func (p *Provider) synthesizeOnce(ctx context.Context, text, voice string, params map[string]string) (tts.Audio, error) {
	body := synthesisRequest{Text: text, ModelID: p.model}
	vs := voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if s, ok := params["speed"]; ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			vs.Speed = f
		}
	}
	body.VoiceSettings = &vs

	payload, err := json.Marshal(body)
	if err != nil {
		return tts.Audio{}, tts.Fatal("marshal request", err)
	}

	url := p.baseURL + fmt.Sprintf(ttsEndpointFmt, voice)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return tts.Audio{}, tts.Fatal("build request", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return tts.Audio{}, tts.Transient("http", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return tts.Audio{}, tts.Transient(fmt.Sprintf("upstream status %d", resp.StatusCode), nil)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return tts.Audio{}, tts.Fatal(fmt.Sprintf("status %d: %s", resp.StatusCode, msg), nil)
	}

	audioBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, tts.Transient("read body", err)
	}

	// The API does not report duration; estimate from the default MP3
	// bitrate (128 kbit/s). The result consumer prefers a decoded
	// duration when the codec allows it.
	durationMS := int64(len(audioBytes)) * 8 * 1000 / 128_000

	return tts.Audio{Bytes: audioBytes, Codec: "audio/mpeg", DurationMS: durationMS}, nil
}
