package session

import "time"

// RateLimiter caps outbound messages per fixed window. It is driven only by
// the single writer goroutine, so it needs no locking. Over-limit sends are
// deferred by the returned delay, never dropped, which keeps frame order.
type RateLimiter struct {
	now         func() time.Time
	limit       int
	window      time.Duration
	windowStart time.Time
	count       int
}

// NewRateLimiter returns a limiter allowing limit sends per window. A nil
// clock uses time.Now; limit <= 0 disables limiting.
func NewRateLimiter(limit int, window time.Duration, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{now: now, limit: limit, window: window}
}

// Reserve accounts one send. A zero return means the send may go out now;
// a positive return is the wait until the current window rolls over, after
// which the caller must Reserve again.
func (l *RateLimiter) Reserve() time.Duration {
	if l == nil || l.limit <= 0 {
		return 0
	}

	now := l.now()
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.count = 0
	}
	if l.count < l.limit {
		l.count++
		return 0
	}
	return l.windowStart.Add(l.window).Sub(now)
}
