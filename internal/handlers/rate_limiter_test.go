package handlers

import (
	"testing"
	"time"
)

func TestCallbackThrottleWindowReset(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	limiter := newCallbackThrottle(2, time.Minute, func() time.Time { return now })

	if !limiter.Allow("203.0.113.1") || !limiter.Allow("203.0.113.1") {
		t.Fatal("expected the first two hits to pass")
	}
	if limiter.Allow("203.0.113.1") {
		t.Fatal("expected the third hit inside the window to be throttled")
	}
	if !limiter.Allow("203.0.113.2") {
		t.Fatal("throttling one source must not affect another")
	}

	now = now.Add(2 * time.Minute)
	if !limiter.Allow("203.0.113.1") {
		t.Fatal("expected a fresh window after expiry")
	}
}

func TestCallbackThrottleDisabledForZeroConfig(t *testing.T) {
	if limiter := newCallbackThrottle(0, time.Minute, nil); limiter != nil {
		t.Fatal("zero limit must disable throttling")
	}
	if limiter := newCallbackThrottle(5, 0, nil); limiter != nil {
		t.Fatal("zero window must disable throttling")
	}
}

func TestCallbackThrottleBlankSourceBuckets(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	limiter := newCallbackThrottle(1, time.Minute, func() time.Time { return now })

	if !limiter.Allow("  ") {
		t.Fatal("expected blank source to pass once")
	}
	if limiter.Allow("") {
		t.Fatal("blank sources share one bucket and must be throttled together")
	}
}
