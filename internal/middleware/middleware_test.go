package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sentinel-core/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(h http.Handler, path, addr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = addr
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimiterBlocksPastWindowBudget(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerWindow: 3,
		Window:            time.Minute,
	}, testLogger())
	defer rl.Stop()
	h := rl.Wrap(okHandler())

	for i := 0; i < 3; i++ {
		if w := doRequest(h, "/v1/rules", "10.1.1.1:999"); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, w.Code)
		}
	}
	w := doRequest(h, "/v1/rules", "10.1.1.1:999")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestRateLimiterTracksClientsSeparately(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerWindow: 1,
		Window:            time.Minute,
	}, testLogger())
	defer rl.Stop()
	h := rl.Wrap(okHandler())

	doRequest(h, "/v1/rules", "10.1.1.1:999")
	if w := doRequest(h, "/v1/rules", "10.2.2.2:999"); w.Code != http.StatusOK {
		t.Errorf("second client status = %d", w.Code)
	}
	if w := doRequest(h, "/v1/rules", "10.1.1.1:999"); w.Code != http.StatusTooManyRequests {
		t.Errorf("first client status = %d, want 429", w.Code)
	}
}

func TestRateLimiterExemptPaths(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerWindow: 1,
		Window:            time.Minute,
		ExemptPaths:       []string{"/healthz"},
	}, testLogger())
	defer rl.Stop()
	h := rl.Wrap(okHandler())

	for i := 0; i < 5; i++ {
		if w := doRequest(h, "/healthz", "10.1.1.1:999"); w.Code != http.StatusOK {
			t.Fatalf("probe %d status = %d", i, w.Code)
		}
	}
}

func TestRateLimiterDisabledPassesThrough(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: false, RequestsPerWindow: 1}, testLogger())
	defer rl.Stop()
	h := rl.Wrap(okHandler())

	for i := 0; i < 5; i++ {
		if w := doRequest(h, "/v1/rules", "10.1.1.1:999"); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, w.Code)
		}
	}
}

func TestRateLimiterPrunesStaleClients(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerWindow: 1,
		Window:            10 * time.Millisecond,
	}, testLogger())
	defer rl.Stop()

	rl.Allow("10.1.1.1")
	rl.prune(time.Now().Add(time.Second))

	rl.mu.Lock()
	n := len(rl.clients)
	rl.mu.Unlock()
	if n != 0 {
		t.Errorf("clients tracked after prune = %d", n)
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(okHandler())
	w := doRequest(h, "/v1/rules", "10.1.1.1:999")

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}
