package chat

import "time"

// limiter enforces the client-side message frequency guard: a sliding
// window of sends, and a cooldown once the window is exhausted. This is a
// UX affordance only; the server applies its own limits.
type limiter struct {
	max      int
	window   time.Duration
	cooldown time.Duration

	sent      []time.Time
	coolUntil time.Time
}

func newLimiter(max int, window, cooldown time.Duration) *limiter {
	return &limiter{max: max, window: window, cooldown: cooldown}
}

// allow reports whether a send is permitted at now, recording it if so.
// When rejected it returns the remaining cooldown.
func (l *limiter) allow(now time.Time) (bool, time.Duration) {
	if now.Before(l.coolUntil) {
		return false, l.coolUntil.Sub(now)
	}

	cutoff := now.Add(-l.window)
	kept := l.sent[:0]
	for _, t := range l.sent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.sent = kept

	if len(l.sent) >= l.max {
		l.coolUntil = now.Add(l.cooldown)
		return false, l.cooldown
	}
	l.sent = append(l.sent, now)
	return true, 0
}
