package hmacauth

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock is a controllable time source for TTL tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestReplayGuard_FirstClaimThenReplay(t *testing.T) {
	g := NewReplayGuard(10*time.Minute, nil)

	if !g.Claim("watch-01", "nonce-1") {
		t.Fatalf("first claim must succeed")
	}
	if g.Claim("watch-01", "nonce-1") {
		t.Fatalf("second claim of the same pair must fail")
	}
}

func TestReplayGuard_ScopedPerDevice(t *testing.T) {
	g := NewReplayGuard(10*time.Minute, nil)

	if !g.Claim("watch-01", "nonce-1") {
		t.Fatalf("first claim must succeed")
	}
	if !g.Claim("phone-02", "nonce-1") {
		t.Fatalf("same nonce from a different device must be independent")
	}
}

func TestReplayGuard_ExpiredNonceClaimableAgain(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)}
	g := NewReplayGuard(10*time.Minute, clk.Now)

	if !g.Claim("watch-01", "n") {
		t.Fatalf("first claim must succeed")
	}
	clk.Advance(9 * time.Minute)
	if g.Claim("watch-01", "n") {
		t.Fatalf("claim inside TTL must fail")
	}
	clk.Advance(2 * time.Minute)
	if !g.Claim("watch-01", "n") {
		t.Fatalf("claim after TTL expiry must succeed")
	}
}

func TestReplayGuard_SweepEvictsExpiredEntries(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)}
	g := NewReplayGuard(time.Minute, clk.Now)

	for i := 0; i < 100; i++ {
		g.Claim("watch-01", fmt.Sprintf("old-%d", i))
	}
	clk.Advance(2 * time.Minute)

	// Push the claim counter past the sweep threshold; all old entries are
	// expired and must be collected.
	for i := 0; i < gcEvery; i++ {
		g.Claim("watch-01", fmt.Sprintf("new-%d", i))
	}
	if n := g.Len(); n > gcEvery {
		t.Fatalf("expected expired entries to be swept, still tracking %d", n)
	}
}

func TestReplayGuard_ConcurrentClaimsSingleWinner(t *testing.T) {
	g := NewReplayGuard(time.Minute, nil)

	const workers = 32
	var wg sync.WaitGroup
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- g.Claim("watch-01", "contested")
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for w := range wins {
		if w {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("exactly one concurrent claim must win, got %d", won)
	}
}
