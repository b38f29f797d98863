// Package httpapi assembles the plain-HTTP surface of the synthesis
// core: audio fetch and upload, health probes, and the Prometheus
// scrape endpoint. The websocket endpoint is mounted here too but its
// behaviour lives in the orchestrator package.
package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oratio-audio/oratio/internal/cache"
	"github.com/oratio-audio/oratio/internal/health"
	"github.com/oratio-audio/oratio/internal/observe"
)

// immutableCacheControl is sent with every audio blob. Variants are
// content-addressed: the bytes behind a hash never change, so clients
// and CDNs may cache them forever.
const immutableCacheControl = "public, max-age=31536000, immutable"

// Server owns the HTTP router.
type Server struct {
	cache  cache.Cache
	health *health.Handler
	ws     http.Handler
	router chi.Router
}

// New builds the router. ws is the websocket upgrade handler; pass nil
// to omit the endpoint (worker-only processes).
func New(c cache.Cache, h *health.Handler, ws http.Handler) *Server {
	s := &Server{cache: c, health: h, ws: ws}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(observe.DefaultMetrics()))

	r.Get("/audio/{hash}", s.getAudio)
	r.Post("/audio", s.postAudio)
	h.RegisterChi(r)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	if ws != nil {
		r.Handle("/v1/ws/tts", ws)
	}

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// getAudio streams one cached variant.
func (s *Server) getAudio(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	entry, ok, err := s.cache.Get(hash)
	if err != nil {
		slog.Error("httpapi: cache read failed", "variant", hash, "err", err)
		http.Error(w, "cache unavailable", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	codec := entry.Codec
	if codec == "" {
		codec = "application/octet-stream"
	}
	w.Header().Set("Content-Type", codec)
	w.Header().Set("Cache-Control", immutableCacheControl)
	if _, err := w.Write(entry.Bytes); err != nil {
		slog.Debug("httpapi: audio write aborted", "variant", hash, "err", err)
	}
}

// uploadRequest is the browser-synthesis upload body.
type uploadRequest struct {
	VariantHash string `json:"variant_hash"`
	AudioB64    string `json:"audio_b64"`
	Codec       string `json:"codec"`
	DurationMS  int64  `json:"duration_ms"`
}

// postAudio accepts a browser-synthesised variant. The insert is
// idempotent (first write wins) and never produces a billing event:
// browser synthesis is not metered.
func (s *Server) postAudio(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if req.VariantHash == "" || req.AudioB64 == "" {
		http.Error(w, "variant_hash and audio_b64 are required", http.StatusBadRequest)
		return
	}
	audio, err := base64.StdEncoding.DecodeString(req.AudioB64)
	if err != nil {
		http.Error(w, "audio_b64 is not valid base64", http.StatusBadRequest)
		return
	}

	err = s.cache.Put(req.VariantHash, cache.Entry{
		Bytes:      audio,
		Codec:      req.Codec,
		DurationMS: req.DurationMS,
	})
	if err != nil {
		slog.Error("httpapi: upload write failed", "variant", req.VariantHash, "err", err)
		http.Error(w, "cache unavailable", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
