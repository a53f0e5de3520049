package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Why: spec.md draws the boundary at exactly 30 messages per window; the
// 30th must pass and the 31st must not.
func TestRateLimiter_AllowsExactlyMaxPerWindow(t *testing.T) {
	rl := NewRateLimiter(30, time.Second)
	now := time.Now()

	for i := 0; i < 30; i++ {
		assert.True(t, rl.Allow("peer-1", now), "message %d should be allowed", i+1)
	}
	assert.False(t, rl.Allow("peer-1", now), "31st message in-window should be rejected")
}

func TestRateLimiter_WindowSlidesForward(t *testing.T) {
	rl := NewRateLimiter(2, time.Second)
	now := time.Now()

	assert.True(t, rl.Allow("peer-1", now))
	assert.True(t, rl.Allow("peer-1", now))
	assert.False(t, rl.Allow("peer-1", now))

	later := now.Add(2 * time.Second)
	assert.True(t, rl.Allow("peer-1", later), "old timestamps should have fallen out of the window")
}

func TestRateLimiter_PeersAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1, time.Second)
	now := time.Now()

	assert.True(t, rl.Allow("peer-1", now))
	assert.True(t, rl.Allow("peer-2", now))
}

func TestRateLimiter_Forget_ResetsPeer(t *testing.T) {
	rl := NewRateLimiter(1, time.Second)
	now := time.Now()

	assert.True(t, rl.Allow("peer-1", now))
	assert.False(t, rl.Allow("peer-1", now))

	rl.Forget("peer-1")
	assert.True(t, rl.Allow("peer-1", now))
}
