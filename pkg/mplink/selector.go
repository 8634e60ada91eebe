package mplink

import "time"

// nextSendClient implements round-robin path selection: deterministic, no
// liveness notion, since the client cannot observe per-path freshness
// without application-level acknowledgments.
func nextSendClient(last, n int) int {
	if n <= 0 {
		return 0
	}
	return (last + 1 + n) % n
}

// nextSendServer implements liveness-aware path selection. Starting from
// last+1, it returns the first index whose lastActive is within
// FreshnessWindow of now, wrapping once; if none qualify, it returns 0. It
// also returns the index the next call should resume scanning from, so a
// caller that skips stale entries continues where this call left off
// instead of rescanning them.
func nextSendServer(lastActive []time.Time, last int, now time.Time) (chosen, resume int) {
	n := len(lastActive)
	if n == 0 {
		return 0, -1
	}

	for i := 1; i <= n; i++ {
		idx := (last + i) % n
		if now.Sub(lastActive[idx]) <= FreshnessWindow {
			return idx, idx
		}
	}
	return 0, 0
}
