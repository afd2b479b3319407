package feeds

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

const (
	minConnectGap    = time.Second      // attempts closer than this are throttled
	rateLimitBackoff = 30 * time.Second // floor after a 429 / "Too Many Requests"
)

// Backoff computes reconnect delays: bounded exponential with ±20% jitter,
// doubled to at least 30 s when the venue rate-limits us.
type Backoff struct {
	mu          sync.Mutex
	base        time.Duration
	max         time.Duration
	cur         time.Duration
	lastAttempt time.Time
}

// NewBackoff creates a backoff starting at base and clamped at max.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max, cur: base}
}

// Next returns the delay before the next connect attempt and advances the
// schedule.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := jitter(b.cur)
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return d
}

// Reset returns the schedule to its base after a healthy connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.cur = b.base
	b.mu.Unlock()
}

// RateLimited doubles the current delay with a 30 s floor.
func (b *Backoff) RateLimited() {
	b.mu.Lock()
	b.cur *= 2
	if b.cur < rateLimitBackoff {
		b.cur = rateLimitBackoff
	}
	if b.cur > b.max {
		b.cur = b.max
	}
	b.mu.Unlock()
}

// Current reports the next un-jittered delay. Mostly for tests and logs.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur
}

// Throttled marks a connect attempt and reports whether it follows the
// previous one too closely (within 1 s). Throttled attempts should be
// re-scheduled without dialing.
func (b *Backoff) Throttled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if now.Sub(b.lastAttempt) < minConnectGap {
		return true
	}
	b.lastAttempt = now
	return false
}

func jitter(d time.Duration) time.Duration {
	// ±20%
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}

// IsRateLimitSignal reports whether a handshake or in-band message is the
// venue telling us to slow down.
func IsRateLimitSignal(msg string, statusCode int) bool {
	if statusCode == 429 {
		return true
	}
	return strings.Contains(msg, "Too Many Requests")
}
