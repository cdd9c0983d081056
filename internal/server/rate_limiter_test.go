package server

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsBurst(t *testing.T) {
	rl := newRateLimiter(3, time.Hour)

	for i := 0; i < 3; i++ {
		if !rl.allow() {
			t.Fatalf("Expected frame %d within burst to be allowed", i+1)
		}
	}
	if rl.allow() {
		t.Error("Expected frame beyond burst to be refused")
	}
}

func TestRateLimiterRefills(t *testing.T) {
	rl := newRateLimiter(1, 20*time.Millisecond)

	if !rl.allow() {
		t.Fatal("Expected first frame to be allowed")
	}
	if rl.allow() {
		t.Fatal("Expected second immediate frame to be refused")
	}

	time.Sleep(40 * time.Millisecond)
	if !rl.allow() {
		t.Error("Expected frame after refill interval to be allowed")
	}
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := newRateLimiter(0, 0)
	if !rl.allow() {
		t.Error("Expected sanitized limiter to allow a first frame")
	}

	var nilLimiter *rateLimiter
	if !nilLimiter.allow() {
		t.Error("Expected nil limiter to allow everything")
	}
}
