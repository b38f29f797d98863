package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oratio-audio/oratio/internal/cache"
	"github.com/oratio-audio/oratio/internal/cache/memcache"
	"github.com/oratio-audio/oratio/internal/health"
)

func newTestServer(t *testing.T) (*Server, *memcache.Store) {
	t.Helper()
	c := memcache.New()
	h := health.New(health.Checker{
		Name:  "cache",
		Check: func(context.Context) error { return nil },
	})
	return New(c, h, nil), c
}

func TestGetAudio_ServesBlob(t *testing.T) {
	s, c := newTestServer(t)
	if err := c.Put("abc123", cache.Entry{Bytes: []byte("wav bytes"), Codec: "audio/wav", DurationMS: 900}); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audio/abc123", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "audio/wav" {
		t.Errorf("content type = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != immutableCacheControl {
		t.Errorf("cache control = %q", got)
	}
	body, _ := io.ReadAll(rec.Body)
	if string(body) != "wav bytes" {
		t.Errorf("body = %q", body)
	}
}

func TestGetAudio_Missing(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audio/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestPostAudio_InsertsOnce(t *testing.T) {
	s, c := newTestServer(t)

	upload := func(payload string) int {
		body, _ := json.Marshal(uploadRequest{
			VariantHash: "h1",
			AudioB64:    base64.StdEncoding.EncodeToString([]byte(payload)),
			Codec:       "audio/wav",
			DurationMS:  500,
		})
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/audio", bytes.NewReader(body)))
		return rec.Code
	}

	if code := upload("first"); code != http.StatusNoContent {
		t.Fatalf("first upload status = %d", code)
	}
	// Re-upload with different bytes: idempotent, first write wins.
	if code := upload("second"); code != http.StatusNoContent {
		t.Fatalf("second upload status = %d", code)
	}

	entry, ok, err := c.Get("h1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(entry.Bytes) != "first" {
		t.Errorf("stored bytes = %q, want first write preserved", entry.Bytes)
	}
}

func TestPostAudio_RejectsMalformed(t *testing.T) {
	s, _ := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"not json", "{{{"},
		{"missing hash", `{"audio_b64":"aGk="}`},
		{"missing audio", `{"variant_hash":"h1"}`},
		{"bad base64", `{"variant_hash":"h1","audio_b64":"!!!"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/audio", bytes.NewReader([]byte(tc.body))))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	s, _ := newTestServer(t)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rec.Code)
		}
	}
}
