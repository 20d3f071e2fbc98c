// Package clockid provides the process-wide time source and identifier
// generator used by every other component. Centralizing both here means
// tests can substitute a deterministic clock without threading time.Now
// through every call site individually.
package clockid

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock access so selection, cooldown, and lease logic
// can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// FrozenClock is a test Clock that only advances when told to.
type FrozenClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFrozenClock returns a FrozenClock starting at t.
func NewFrozenClock(t time.Time) *FrozenClock {
	return &FrozenClock{now: t}
}

// Now returns the frozen time.
func (c *FrozenClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the frozen clock forward by d.
func (c *FrozenClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set pins the frozen clock to t.
func (c *FrozenClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// NewID returns a random UUIDv4 string, used for request ids, session
// nonces, and PKCE state values.
func NewID() string {
	return uuid.NewString()
}

// NewNonce returns a random UUIDv4 string stripped of hyphens, sized for use
// as a compact nonce (e.g. a session_id header value).
func NewNonce() string {
	id := uuid.New()
	raw := id[:]
	const hex = "0123456789abcdef"
	buf := make([]byte, 32)
	for i, b := range raw {
		buf[i*2] = hex[b>>4]
		buf[i*2+1] = hex[b&0x0f]
	}
	return string(buf)
}
