package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_BurstAndRefill(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := newRateLimiter(1, 3)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !rl.allow("1.2.3.4") {
			t.Fatalf("request %d within burst rejected", i)
		}
	}
	if rl.allow("1.2.3.4") {
		t.Fatal("request beyond burst allowed")
	}
	if !rl.allow("5.6.7.8") {
		t.Fatal("other key should have its own bucket")
	}

	now = now.Add(1 * time.Second)
	if !rl.allow("1.2.3.4") {
		t.Fatal("token should refill after one second")
	}
	if rl.allow("1.2.3.4") {
		t.Fatal("only one token should have refilled")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := newRateLimiter(1, 1)
	rl.now = func() time.Time { return now }

	rl.allow("old")
	now = now.Add(20 * time.Minute)
	rl.allow("fresh")

	if n := rl.cleanup(10 * time.Minute); n != 1 {
		t.Fatalf("expected 1 bucket removed, got %d", n)
	}
	if _, ok := rl.buckets["fresh"]; !ok {
		t.Error("fresh bucket removed")
	}
}

func TestIPRateLimitMiddleware(t *testing.T) {
	rl := newRateLimiter(0.001, 1)
	h := ipRateLimitMiddleware(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", w.Code)
	}

	// Same IP from another port shares the bucket.
	req.RemoteAddr = "10.0.0.1:6666"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}
