package orchestrator

import "time"

// toastDedupe debounces the orchestrator's toasts (§4.11) per key. Execute
// uses three key families: session:<sessionKey> for account-switch toasts,
// session:resume:<sessionKey> for resumed sessions, and
// rate-limit-switch:<identity> for cooldowns. The rate_limit variant has a
// 60s window and every other variant 15s; there is no separate
// account:switch key. Bounded to at most defaultMaxToastKeys entries, oldest-first
// eviction, so a long-running process with many distinct session/identity
// keys cannot grow this map unbounded.
type toastDedupe struct {
	seen map[string]time.Time
	max  int
}

const defaultMaxToastKeys = 512

func newToastDedupe() *toastDedupe {
	return &toastDedupe{seen: make(map[string]time.Time), max: defaultMaxToastKeys}
}

// shouldEmit reports whether key has not fired within window as of now,
// recording the emission if so.
func (d *toastDedupe) shouldEmit(key string, now time.Time, window time.Duration) bool {
	if last, ok := d.seen[key]; ok && now.Sub(last) < window {
		return false
	}
	d.seen[key] = now
	d.evictIfNeeded()
	return true
}

func (d *toastDedupe) evictIfNeeded() {
	for len(d.seen) > d.max {
		var oldestKey string
		var oldestAt time.Time
		first := true
		for k, t := range d.seen {
			if first || t.Before(oldestAt) {
				oldestKey, oldestAt, first = k, t, false
			}
		}
		delete(d.seen, oldestKey)
	}
}
