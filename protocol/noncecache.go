package protocol

import (
	"sync"
	"time"

	"github.com/tezit/relay/clock"
)

// NonceCache remembers recently seen (server, nonce) pairs so a captured
// request cannot be replayed inside the clock-skew window. Entries only need
// to outlive the freshness check, so the retention window is twice
// MaxClockSkew by default.
type NonceCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	clk     clock.Clock
	entries map[string]time.Time
}

// NewNonceCache creates a replay cache with the given retention window; a
// zero ttl selects the default of 2x MaxClockSkew.
func NewNonceCache(ttl time.Duration, clk clock.Clock) *NonceCache {
	if ttl <= 0 {
		ttl = 2 * MaxClockSkew
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &NonceCache{
		ttl:     ttl,
		clk:     clk,
		entries: make(map[string]time.Time),
	}
}

// Seen records the (server, nonce) pair and reports whether it was already
// present within the retention window. Expired entries are swept on each
// call, keeping the map bounded by recent traffic.
func (c *NonceCache) Seen(server, nonce string) bool {
	key := server + "\x00" + nonce
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, seenAt := range c.entries {
		if now.Sub(seenAt) > c.ttl {
			delete(c.entries, k)
		}
	}

	if _, ok := c.entries[key]; ok {
		return true
	}
	c.entries[key] = now
	return false
}

// Len reports the current number of retained nonces.
func (c *NonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
