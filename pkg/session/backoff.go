package session

import (
	"math/rand/v2"
	"time"
)

// Backoff produces exponentially growing reconnect delays with jitter. Each
// Next doubles the delay up to Cap; Reset returns to Base. The jitter spreads
// attempts across half the computed delay so a fleet of agents does not
// reconnect in lockstep after a broker restart.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration

	attempt int
}

// Next returns the delay to wait before the next connection attempt.
func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d > b.Cap || d <= 0 {
		d = b.Cap
	} else {
		b.attempt++
	}
	half := d / 2
	return half + rand.N(half+1)
}

// Reset restores the initial delay after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}
