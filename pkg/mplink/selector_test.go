package mplink

import (
	"testing"
	"time"
)

func TestNextSendClientRotation(t *testing.T) {
	const k = 3
	counts := make([]int, k)
	last := -1
	const rounds = 100
	for i := 0; i < rounds; i++ {
		last = nextSendClient(last, k)
		counts[last]++
	}
	for i, c := range counts {
		if c < rounds/k || c > rounds/k+1 {
			t.Errorf("remote %d visited %d times, want ~%d", i, c, rounds/k)
		}
	}
}

func TestNextSendClientSingleRemote(t *testing.T) {
	last := -1
	for i := 0; i < 5; i++ {
		last = nextSendClient(last, 1)
		if last != 0 {
			t.Fatalf("expected 0, got %d", last)
		}
	}
}

func TestNextSendServerSkipsStalePaths(t *testing.T) {
	now := time.Now()
	lastActive := []time.Time{now, now, now.Add(-60 * time.Second)}

	idx, resume := nextSendServer(lastActive, -1, now)
	if idx != 0 {
		t.Fatalf("round 1: got %d, want 0", idx)
	}
	last := resume

	idx, resume = nextSendServer(lastActive, last, now)
	if idx != 1 {
		t.Fatalf("round 2: got %d, want 1", idx)
	}
	last = resume

	idx, _ = nextSendServer(lastActive, last, now)
	if idx != 0 {
		t.Fatalf("round 3: got %d, want 0 (wrap, skipping stale index 2)", idx)
	}
}

func TestNextSendServerFallsBackToZeroWhenAllStale(t *testing.T) {
	now := time.Now()
	lastActive := []time.Time{now.Add(-time.Hour), now.Add(-time.Hour)}

	idx, _ := nextSendServer(lastActive, -1, now)
	if idx != 0 {
		t.Fatalf("got %d, want 0", idx)
	}
}

func TestNextSendServerBoundaryAtFreshnessWindow(t *testing.T) {
	now := time.Now()
	lastActive := []time.Time{now.Add(-FreshnessWindow - time.Second), now.Add(-FreshnessWindow)}

	idx, _ := nextSendServer(lastActive, -1, now)
	if idx != 1 {
		t.Fatalf("path exactly at the freshness boundary should still be fresh, got %d", idx)
	}
}
