package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterRefillsOverTime(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, 2)
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := rl.Allow("1.2.3.4"); !ok {
			t.Fatalf("request %d should fit the burst", i+1)
		}
	}
	ok, wait := rl.Allow("1.2.3.4")
	if ok {
		t.Fatal("third request should be limited")
	}
	if wait != 500*time.Millisecond {
		t.Fatalf("expected 500ms until next token, got %v", wait)
	}
	if ok, _ := rl.Allow("5.6.7.8"); !ok {
		t.Fatal("other keys have their own bucket")
	}

	now = now.Add(500 * time.Millisecond)
	if ok, _ := rl.Allow("1.2.3.4"); !ok {
		t.Fatal("token should have refilled")
	}

	now = now.Add(time.Hour)
	if n := rl.Evict(now.Add(-10 * time.Minute)); n != 2 {
		t.Fatalf("expected both idle buckets evicted, got %d", n)
	}
}

func TestRateLimitMiddlewareSetsRetryAfter(t *testing.T) {
	mw := RateLimit(NewRateLimiter(0.5, 1))
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/chat/message", nil)
		req.Header.Set("X-Real-Ip", "9.9.9.9")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(); rec.Code != http.StatusAccepted {
		t.Fatalf("expected first request through, got %d", rec.Code)
	}
	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After 2, got %q", got)
	}
}
