// Replay guard for the hmacauth package.
//
// The nonce cache is process-wide mutable state shared by concurrent requests
// from the same device, so claiming must be an atomic insert-if-absent under
// one lock; separate isUsed+markUsed calls would race. Entries expire after
// the authentication tolerance window; once a nonce's timestamp would be
// rejected anyway there is no point remembering it. Idle-entry eviction
// follows the opportunistic-GC pattern of the rate limiter middleware: sweep
// the map after a threshold of claims rather than running a background timer.
package hmacauth

import (
	"sync"
	"time"
)

// gcEvery is the number of Claim calls between opportunistic sweeps.
const gcEvery = 5000

// ReplayGuard remembers (deviceID, nonce) pairs for a TTL and rejects reuse
// within that window. Safe for concurrent use.
type ReplayGuard struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	claimed map[string]time.Time
	claimN  uint64
}

// NewReplayGuard constructs a guard whose entries expire after ttl. The now
// function defaults to time.Now and exists as a seam for time-travel tests.
func NewReplayGuard(ttl time.Duration, now func() time.Time) *ReplayGuard {
	if now == nil {
		now = time.Now
	}
	return &ReplayGuard{
		ttl:     ttl,
		now:     now,
		claimed: make(map[string]time.Time),
	}
}

// Claim atomically records (deviceID, nonce) as used and reports whether this
// call was the first use within the TTL. A false return means replay: some
// earlier request already claimed the pair and its entry has not expired.
func (g *ReplayGuard) Claim(deviceID, nonce string) bool {
	key := deviceID + ":" + nonce
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	// Sweep expired entries before looking up the requested key, so a stale
	// entry for this very nonce is evicted rather than refreshed.
	g.claimN++
	if g.claimN >= gcEvery {
		for k, at := range g.claimed {
			if now.Sub(at) >= g.ttl {
				delete(g.claimed, k)
			}
		}
		g.claimN = 0
	}

	if at, ok := g.claimed[key]; ok && now.Sub(at) < g.ttl {
		return false
	}
	g.claimed[key] = now
	return true
}

// Len returns the current number of live entries. Intended for tests and
// metrics, not for correctness decisions.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	now := g.now()
	for _, at := range g.claimed {
		if now.Sub(at) < g.ttl {
			n++
		}
	}
	return n
}
