package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/abbaskiko/mcdkit/internal/crypto"
)

func ok(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "text/plain")
	w.Write(body)
}

func TestSignedRequiresValidSignature(t *testing.T) {
	auth := &crypto.RequestAuth{Key: "k", Secret: "s"}
	h := Signed(auth)(http.HandlerFunc(ok))

	get := httptest.NewRecorder()
	h.ServeHTTP(get, httptest.NewRequest("GET", "/api/operations", nil))
	if get.Code != http.StatusOK {
		t.Fatalf("GET must pass unsigned, got %d", get.Code)
	}

	unsigned := httptest.NewRecorder()
	h.ServeHTTP(unsigned, httptest.NewRequest("POST", "/api/reset", nil))
	if unsigned.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned POST: %d", unsigned.Code)
	}

	body := `{"ilk":"ETH-A"}`
	req := httptest.NewRequest("POST", "/api/cdps", strings.NewReader(body))
	for k, v := range auth.Headers("POST", "/api/cdps", body) {
		req.Header.Set(k, v)
	}
	signed := httptest.NewRecorder()
	h.ServeHTTP(signed, req)
	if signed.Code != http.StatusOK || signed.Body.String() != body {
		t.Fatalf("signed POST: %d %q", signed.Code, signed.Body.String())
	}

	tampered := httptest.NewRequest("POST", "/api/cdps", strings.NewReader(`{"ilk":"ETH-B"}`))
	for k, v := range auth.Headers("POST", "/api/cdps", body) {
		tampered.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, tampered)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("tampered body: %d", rec.Code)
	}
}

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (s *stubLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allow, s.err
}

func (s *stubLimiter) Wait(context.Context, string, int, time.Duration) error { return nil }

func TestRateLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name  string
		lim   *stubLimiter
		path  string
		want  int
		calls int
	}{
		{"allowed", &stubLimiter{allow: true}, "/api/operations", http.StatusOK, 1},
		{"denied", &stubLimiter{}, "/api/operations", http.StatusTooManyRequests, 1},
		{"fails open", &stubLimiter{err: errors.New("redis down")}, "/api/operations", http.StatusOK, 1},
		{"health is exempt", &stubLimiter{}, "/api/health", http.StatusOK, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := RateLimit(tt.lim, 10, 30*time.Second, logger)(http.HandlerFunc(ok))
			req := httptest.NewRequest("GET", tt.path, nil)
			req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want || len(tt.lim.keys) != tt.calls {
				t.Fatalf("code=%d calls=%d", rec.Code, len(tt.lim.keys))
			}
			if tt.calls > 0 && tt.lim.keys[0] != "api:203.0.113.7" {
				t.Fatalf("key=%s", tt.lim.keys[0])
			}
			if tt.want == http.StatusTooManyRequests && rec.Header().Get("Retry-After") != "30" {
				t.Fatalf("retry-after=%q", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestIdempotencyReplaysAndExpires(t *testing.T) {
	replays := NewReplays(time.Minute)
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	replays.now = func() time.Time { return now }

	calls := 0
	h := Idempotency(replays)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"n":1}`))
	}))
	send := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/cdps", nil)
		req.Header.Set(IdempotencyHeader, key)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := send("a")
	second := send("a")
	if calls != 1 || second.Code != http.StatusAccepted || second.Body.String() != `{"n":1}` {
		t.Fatalf("calls=%d code=%d body=%q", calls, second.Code, second.Body.String())
	}
	if first.Header().Get("Idempotent-Replay") != "" || second.Header().Get("Idempotent-Replay") != "true" {
		t.Fatal("replay header")
	}
	send("b")
	if calls != 2 {
		t.Fatalf("distinct key: calls=%d", calls)
	}

	now = now.Add(2 * time.Minute)
	replays.Cleanup()
	if len(replays.seen) != 0 {
		t.Fatalf("cleanup left %d", len(replays.seen))
	}
	send("a")
	if calls != 3 {
		t.Fatalf("expired key: calls=%d", calls)
	}
}

func TestIdempotencyInFlightConflict(t *testing.T) {
	replays := NewReplays(time.Minute)
	if _, seen := replays.begin("POST /api/cdps k"); seen {
		t.Fatal("fresh key")
	}
	h := Idempotency(replays)(http.HandlerFunc(ok))
	req := httptest.NewRequest("POST", "/api/cdps", nil)
	req.Header.Set(IdempotencyHeader, "k")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("code=%d", rec.Code)
	}
}

func TestIdempotencyForgetsServerErrors(t *testing.T) {
	replays := NewReplays(time.Minute)
	calls := 0
	h := Idempotency(replays)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	for range 2 {
		req := httptest.NewRequest("POST", "/api/reset", nil)
		req.Header.Set(IdempotencyHeader, "x")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls != 2 {
		t.Fatalf("calls=%d", calls)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"https://app.example"})(http.HandlerFunc(ok))
	req := httptest.NewRequest("OPTIONS", "/api/cdps", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Fatalf("code=%d headers=%v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest("GET", "/api/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("foreign origin allowed")
	}
}
