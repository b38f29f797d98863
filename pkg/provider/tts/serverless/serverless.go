// Package serverless provides a TTS provider targeting an elastic
// serverless endpoint that hosts the same model as a local worker pool.
// The overflow scanner dispatches aged queue entries through it when
// the cheap local fleet falls behind.
//
// The endpoint contract is a single POST accepting
// {"text","voice","params"} and returning {"audio_b64","codec",
// "duration_ms"}. Cold starts show up as slow first requests, not as
// errors, so the HTTP timeout defaults generously.
package serverless

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oratio-audio/oratio/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const defaultTimeout = 180 * time.Second

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout. Serverless cold starts
// can add a minute or more to the first request.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithAuthToken sets a bearer token sent on every request.
func WithAuthToken(token string) Option {
	return func(p *Provider) { p.authToken = token }
}

// WithRetry overrides the backoff policy for transient upstream errors.
func WithRetry(cfg tts.RetryConfig) Option {
	return func(p *Provider) { p.retry = cfg }
}

// Provider implements tts.Provider against a serverless synthesis endpoint.
type Provider struct {
	endpoint   string
	slug       string
	authToken  string
	retry      tts.RetryConfig
	httpClient *http.Client
}

// New creates a Provider that POSTs synthesis requests to endpoint.
// slug names the model the endpoint hosts; it must match the queue the
// overflow scanner drains.
func New(endpoint, slug string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("serverless: endpoint must not be empty")
	}
	if slug == "" {
		return nil, errors.New("serverless: slug must not be empty")
	}
	p := &Provider{
		endpoint:   endpoint,
		slug:       slug,
		retry:      tts.DefaultRetry,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Slug returns the model slug the endpoint hosts.
func (p *Provider) Slug() string { return p.slug }

type synthesisRequest struct {
	Text   string            `json:"text"`
	Voice  string            `json:"voice"`
	Params map[string]string `json:"params,omitempty"`
}

type synthesisResponse struct {
	AudioB64   string `json:"audio_b64"`
	Codec      string `json:"codec"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Synthesize renders text via the serverless endpoint, retrying
// transient failures per the configured backoff policy.
func (p *Provider) Synthesize(ctx context.Context, text, voice string, params map[string]string) (tts.Audio, error) {
	return tts.WithRetry(ctx, p.retry, func(ctx context.Context) (tts.Audio, error) {
		return p.synthesizeOnce(ctx, text, voice, params)
	})
}

func (p *Provider) synthesizeOnce(ctx context.Context, text, voice string, params map[string]string) (tts.Audio, error) {
	payload, err := json.Marshal(synthesisRequest{Text: text, Voice: voice, Params: params})
	if err != nil {
		return tts.Audio{}, tts.Fatal("marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return tts.Audio{}, tts.Fatal("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return tts.Audio{}, tts.Transient("http", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return tts.Audio{}, tts.Transient(fmt.Sprintf("upstream status %d", resp.StatusCode), nil)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return tts.Audio{}, tts.Fatal(fmt.Sprintf("status %d: %s", resp.StatusCode, msg), nil)
	}

	var sr synthesisResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return tts.Audio{}, tts.Transient("decode response", err)
	}
	if sr.Error != "" {
		return tts.Audio{}, tts.Fatal(sr.Error, nil)
	}

	audioBytes, err := base64.StdEncoding.DecodeString(sr.AudioB64)
	if err != nil {
		return tts.Audio{}, tts.Fatal("decode audio_b64", err)
	}

	codec := sr.Codec
	if codec == "" {
		codec = "audio/wav"
	}
	return tts.Audio{Bytes: audioBytes, Codec: codec, DurationMS: sr.DurationMS}, nil
}
