package feeds

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndClamps(t *testing.T) {
	b := NewBackoff(time.Second, 8*time.Second)

	prev := time.Duration(0)
	for i := 0; i < 6; i++ {
		d := b.Next()
		if d < prev/2 {
			t.Errorf("delay %v shrank unexpectedly from %v", d, prev)
		}
		prev = d
	}
	// After enough doublings the un-jittered schedule sits at max.
	if cur := b.Current(); cur != 8*time.Second {
		t.Errorf("expected schedule clamped at 8s, got %v", cur)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute)
	for i := 0; i < 50; i++ {
		b.Reset()
		d := b.Next()
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±20%% of 1s", d)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute)
	b.Next()
	b.Next()
	b.Reset()
	if cur := b.Current(); cur != time.Second {
		t.Errorf("expected base after reset, got %v", cur)
	}
}

func TestBackoffRateLimitedFloor(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Minute)
	b.RateLimited()
	if cur := b.Current(); cur < 30*time.Second {
		t.Errorf("expected at least 30s after rate limit, got %v", cur)
	}

	// Doubling continues from the floor, still clamped at max.
	b.RateLimited()
	if cur := b.Current(); cur != time.Minute {
		t.Errorf("expected 60s after second rate limit, got %v", cur)
	}
}

func TestBackoffThrottled(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute)
	if b.Throttled() {
		t.Fatal("first attempt should not be throttled")
	}
	if !b.Throttled() {
		t.Fatal("immediate second attempt should be throttled")
	}
}

func TestIsRateLimitSignal(t *testing.T) {
	if !IsRateLimitSignal("", 429) {
		t.Error("status 429 should signal rate limiting")
	}
	if !IsRateLimitSignal("HTTP 429 Too Many Requests", 0) {
		t.Error("in-band message should signal rate limiting")
	}
	if IsRateLimitSignal("connection reset by peer", 500) {
		t.Error("unrelated failure should not signal rate limiting")
	}
}
