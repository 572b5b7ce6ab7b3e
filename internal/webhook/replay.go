package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// replayWindow is how long a request fingerprint stays hot.
const replayWindow = 10 * time.Minute

// ReplayCache remembers fingerprints of cryptographically valid requests
// so a replayed delivery can be flagged. Safe for concurrent use.
type ReplayCache struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

// NewReplayCache creates a cache with the given window.
func NewReplayCache(window time.Duration) *ReplayCache {
	if window <= 0 {
		window = replayWindow
	}
	return &ReplayCache{window: window, seen: make(map[string]time.Time)}
}

// Seen records the fingerprint and reports whether it was already live.
func (c *ReplayCache) Seen(fingerprint string) bool {
	sum := sha256.Sum256([]byte(fingerprint))
	key := hex.EncodeToString(sum[:])

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	// Opportunistic prune keeps the map bounded by traffic volume.
	for k, at := range c.seen {
		if now.Sub(at) > c.window {
			delete(c.seen, k)
		}
	}

	if at, ok := c.seen[key]; ok && now.Sub(at) <= c.window {
		return true
	}
	c.seen[key] = now
	return false
}
