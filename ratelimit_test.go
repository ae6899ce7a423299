package warden

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(10, 3)
	defer rl.Close()

	// Burst of 3 goes through, the fourth is throttled.
	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1:1234") {
			t.Fatalf("request %d should be allowed within burst", i+1)
		}
	}
	if rl.Allow("10.0.0.1:1234") {
		t.Error("request over burst should be throttled")
	}

	// Other clients have their own buckets.
	if !rl.Allow("10.0.0.2:1234") {
		t.Error("different client should not share the bucket")
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	rl := NewRateLimiter(100, 1)
	defer rl.Close()

	if !rl.Allow("10.0.0.1:1234") {
		t.Fatal("first request should be allowed")
	}
	if rl.Allow("10.0.0.1:1234") {
		t.Fatal("second immediate request should be throttled")
	}

	// 100 req/s refills a token in 10ms.
	time.Sleep(30 * time.Millisecond)
	if !rl.Allow("10.0.0.1:1234") {
		t.Error("bucket should refill over time")
	}
}

func TestRateLimiter_PortIgnored(t *testing.T) {
	rl := NewRateLimiter(10, 1)
	defer rl.Close()

	if !rl.Allow("10.0.0.1:1111") {
		t.Fatal("first request should be allowed")
	}
	// Same IP, different source port shares the bucket.
	if rl.Allow("10.0.0.1:2222") {
		t.Error("same client IP should share one bucket")
	}
}

func TestRateLimiter_AllowHTTP(t *testing.T) {
	rl := NewRateLimiter(10, 1)
	defer rl.Close()

	req := httptest.NewRequest("GET", "http://example.com/", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	w := httptest.NewRecorder()
	if !rl.AllowHTTP(w, req) {
		t.Fatal("first request should be allowed")
	}

	w = httptest.NewRecorder()
	if rl.AllowHTTP(w, req) {
		t.Fatal("second request should be throttled")
	}
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want %q", w.Header().Get("Retry-After"), "1")
	}
}

func TestRateLimiter_ClientCount(t *testing.T) {
	rl := NewRateLimiter(10, 5)
	defer rl.Close()

	rl.Allow("10.0.0.1:1234")
	rl.Allow("10.0.0.2:1234")
	rl.Allow("10.0.0.1:5678")

	if rl.ClientCount() != 2 {
		t.Errorf("ClientCount = %d, want 2", rl.ClientCount())
	}
}

func TestRateLimiter_CloseIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(10, 5)
	rl.Close()
	rl.Close()
}

func TestConnLimiter(t *testing.T) {
	cl := NewConnLimiter(2)

	if cl.Cap() != 2 {
		t.Errorf("Cap = %d, want 2", cl.Cap())
	}

	if !cl.Acquire() || !cl.Acquire() {
		t.Fatal("acquires within cap should succeed")
	}
	if cl.Active() != 2 {
		t.Errorf("Active = %d, want 2", cl.Active())
	}

	// At the cap, Acquire fails fast instead of blocking.
	if cl.Acquire() {
		t.Error("acquire over cap should fail")
	}

	cl.Release()
	if !cl.Acquire() {
		t.Error("acquire after release should succeed")
	}
}

func TestConnLimiter_MinimumCap(t *testing.T) {
	cl := NewConnLimiter(0)
	if cl.Cap() != 1 {
		t.Errorf("Cap = %d, want 1", cl.Cap())
	}
}

func TestConnLimiter_ReleaseWithoutAcquire(t *testing.T) {
	cl := NewConnLimiter(1)
	cl.Release() // no-op, must not panic or underflow
	if !cl.Acquire() {
		t.Error("acquire should succeed after spurious release")
	}
}
