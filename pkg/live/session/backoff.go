package session

import (
	"math/rand"
	"time"
)

// backoffDelay computes the wait before reconnect attempt n (1-based):
// base * 2^(n-1) + jitter, clamped to max.
func backoffDelay(base, max time.Duration, attempt int, jitter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	delay += jitter
	if delay > max {
		return max
	}
	return delay
}

// randomJitter returns a uniform duration in [0, limit).
func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(limit)))
}
