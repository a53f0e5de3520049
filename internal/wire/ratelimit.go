package wire

import (
	"sync"
	"time"
)

// RateLimitWindow and RateLimitMax implement spec.md's per-peer policy:
// at most 30 messages per sliding 1-second window.
const (
	RateLimitWindow = time.Second
	RateLimitMax    = 30
)

// RateLimiter is a per-peer sliding-window limiter. One instance is owned
// by the host lobby actor and keyed by transport peer id; it is never
// shared across lobbies.
type RateLimiter struct {
	maxMessages int
	window      time.Duration
	seen        map[string][]time.Time
	mu          sync.Mutex
}

// NewRateLimiter builds a limiter. Production code should use
// NewDefaultRateLimiter; the parameters are exposed for tests that need a
// tighter window.
func NewRateLimiter(maxMessages int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxMessages: maxMessages,
		window:      window,
		seen:        make(map[string][]time.Time),
	}
}

// NewDefaultRateLimiter applies spec.md's 30-per-second ceiling.
func NewDefaultRateLimiter() *RateLimiter {
	return NewRateLimiter(RateLimitMax, RateLimitWindow)
}

// Allow records one message from peerID at now and reports whether it is
// within the window's budget. The 31st message inside a window is
// rejected; the 30th is accepted (spec.md boundary behavior).
func (r *RateLimiter) Allow(peerID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	timestamps := r.seen[peerID]

	kept := timestamps[:0:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= r.maxMessages {
		r.seen[peerID] = kept
		return false
	}

	r.seen[peerID] = append(kept, now)
	return true
}

// Forget drops all rate-limit history for a peer, called when its
// connection closes so the map does not grow without bound.
func (r *RateLimiter) Forget(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.seen, peerID)
}
